package pool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount(email string) *Account {
	return &Account{
		Email:   email,
		Source:  SourceManual,
		APIKey:  "token-" + email,
		Enabled: true,
	}
}

func newTestManager(t *testing.T, accounts ...*Account) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, err)
	for _, account := range accounts {
		require.NoError(t, m.AddAccount(account))
	}
	return m
}

func TestAvailability(t *testing.T) {
	m := newTestManager(t, testAccount("a"))
	assert.True(t, m.HasAvailable("model-x"))
	assert.False(t, m.IsAllRateLimited("model-x"))

	m.MarkRateLimited("a", "model-x", 30000)
	assert.False(t, m.HasAvailable("model-x"))
	assert.True(t, m.IsAllRateLimited("model-x"))
	assert.InDelta(t, 30000, float64(m.MinWaitMs("model-x")), 1000)

	// Cooldowns are per model.
	assert.True(t, m.HasAvailable("model-y"))
	assert.False(t, m.IsAllRateLimited("model-y"))
}

func TestAvailabilityEmptyPool(t *testing.T) {
	m := newTestManager(t)
	assert.False(t, m.HasAvailable("model-x"))
	assert.False(t, m.IsAllRateLimited("model-x"))
	assert.Zero(t, m.MinWaitMs("model-x"))
}

func TestResetExpiredClearsCooldowns(t *testing.T) {
	m := newTestManager(t, testAccount("a"))
	m.MarkRateLimited("a", "model-x", 50)
	assert.False(t, m.HasAvailable("model-x"))

	time.Sleep(80 * time.Millisecond)
	m.ResetExpired()
	assert.True(t, m.HasAvailable("model-x"))
}

func TestMarkRateLimitedDedupWindow(t *testing.T) {
	m := newTestManager(t, testAccount("a"))

	m.MarkRateLimited("a", "model-x", 10000)
	first := m.Accounts()[0].ModelRateLimits["model-x"].ResetTime

	// A second 429 from the same burst must not extend the cooldown.
	m.MarkRateLimited("a", "model-x", 50000)
	assert.Equal(t, first, m.Accounts()[0].ModelRateLimits["model-x"].ResetTime)
}

func TestMarkRateLimitedStreakExtendsCooldown(t *testing.T) {
	m := newTestManager(t, testAccount("a"))

	m.MarkRateLimited("a", "model-1", 5000)
	m.MarkRateLimited("a", "model-2", 5000)
	m.MarkRateLimited("a", "model-3", 5000)

	limits := m.Accounts()[0].ModelRateLimits
	assert.Equal(t, int64(5000), limits["model-1"].ActualResetMs)
	assert.Equal(t, int64(5000), limits["model-2"].ActualResetMs)
	assert.Equal(t, int64(60000), limits["model-3"].ActualResetMs)
}

func TestMarkSuccessResetsStreak(t *testing.T) {
	m := newTestManager(t, testAccount("a"))

	m.MarkRateLimited("a", "model-1", 5000)
	m.MarkRateLimited("a", "model-2", 5000)
	m.MarkSuccess(m.Accounts()[0], "model-1")
	m.MarkRateLimited("a", "model-3", 5000)

	assert.Equal(t, int64(5000), m.Accounts()[0].ModelRateLimits["model-3"].ActualResetMs)
}

func TestOptimisticReset(t *testing.T) {
	m := newTestManager(t, testAccount("a"), testAccount("b"))

	// Not all limited yet.
	m.MarkRateLimited("a", "model-x", 60000)
	assert.False(t, m.OptimisticReset("model-x"))

	m.MarkRateLimited("b", "model-x", 60000)
	assert.True(t, m.OptimisticReset("model-x"))
	assert.True(t, m.HasAvailable("model-x"))

	// Once per episode: an immediate second exhaustion keeps its marks.
	m.MarkRateLimited("a", "model-x", 60000)
	m.MarkRateLimited("b", "model-x", 60000)
	assert.False(t, m.OptimisticReset("model-x"))
	assert.False(t, m.HasAvailable("model-x"))
}

func TestAddAccountReplacesByEmail(t *testing.T) {
	m := newTestManager(t, testAccount("a"))

	replacement := testAccount("a")
	replacement.APIKey = "token-new"
	require.NoError(t, m.AddAccount(replacement))

	assert.Equal(t, 1, m.AccountCount())
	assert.Equal(t, "token-new", m.Accounts()[0].APIKey)
}

func TestRemoveAccount(t *testing.T) {
	m := newTestManager(t, testAccount("a"), testAccount("b"))

	require.NoError(t, m.RemoveAccount("a"))
	assert.Equal(t, 1, m.AccountCount())
	assert.Error(t, m.RemoveAccount("a"))
}

func TestSetEnabledClearsInvalid(t *testing.T) {
	m := newTestManager(t, testAccount("a"))

	m.MarkInvalid("a", "token revoked")
	assert.Equal(t, 0, m.EnabledCount())
	assert.False(t, m.HasAvailable("model-x"))

	require.NoError(t, m.SetEnabled("a", true))
	assert.Equal(t, 1, m.EnabledCount())
	account := m.Accounts()[0]
	assert.False(t, account.Invalid)
	assert.Empty(t, account.InvalidReason)
}

func TestReloadPicksUpFileChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	m, err := NewManager(path)
	require.NoError(t, err)
	require.NoError(t, m.AddAccount(testAccount("a")))

	// Another process rewrites the roster.
	require.NoError(t, NewStore(path).Save([]*Account{testAccount("b")}, 0))

	require.NoError(t, m.Reload())
	accounts := m.Accounts()
	require.Len(t, accounts, 1)
	assert.Equal(t, "b", accounts[0].Email)
}

func TestStatusReportsCooldowns(t *testing.T) {
	m := newTestManager(t, testAccount("a"))
	m.MarkRateLimited("a", "model-x", 30000)

	status := m.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "a", status[0].Email)
	assert.True(t, status[0].Enabled)

	limit, ok := status[0].RateLimits["model-x"]
	require.True(t, ok)
	assert.True(t, limit.Limited)
	assert.Greater(t, limit.ResetInMs, int64(0))

	// Hybrid is the default strategy, so tracker scores are populated.
	assert.Greater(t, status[0].Health, 0.0)
	assert.Greater(t, status[0].Tokens, 0.0)
}

func TestQuotaSnapshotSteersSelection(t *testing.T) {
	threshold := 0.05
	depleted := testAccount("a")
	depleted.QuotaThreshold = &threshold
	m := newTestManager(t, depleted, testAccount("b"))

	m.UpdateSubscription("a", "pro", "proj-a")
	m.SetQuota("a", &QuotaInfo{
		Models:      map[string]*ModelQuotaInfo{"model-x": {RemainingFraction: 0.01, ResetTime: "2026-08-26T00:00:00Z"}},
		LastChecked: time.Now().UnixMilli(),
	})

	// The default hybrid strategy routes around the depleted account.
	sel, err := m.Select(context.Background(), "model-x", "")
	require.NoError(t, err)
	require.NotNil(t, sel.Account)
	assert.Equal(t, "b", sel.Account.Email)

	status := m.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "pro", status[0].Tier)
	quota, ok := status[0].Quota["model-x"]
	require.True(t, ok)
	assert.InDelta(t, 0.01, quota.RemainingFraction, 0.0001)
	assert.Equal(t, "2026-08-26T00:00:00Z", quota.ResetTime)
	assert.Empty(t, status[1].Quota)
}

func TestStrategySwitch(t *testing.T) {
	m := newTestManager(t, testAccount("a"))
	m.SetStrategy("round-robin")
	assert.Equal(t, "round-robin", m.StrategyName())
	m.SetStrategy("hybrid")
	assert.Equal(t, "hybrid", m.StrategyName())
}
