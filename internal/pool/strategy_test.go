package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswire-dev/crosswire/internal/config"
)

func hybridForTest() *HybridStrategy {
	sel := config.DefaultConfig().AccountSelection
	return NewHybridStrategy(&sel, NewQuotaTracker(sel.Quota))
}

func TestHybridPrefersHealthierAccount(t *testing.T) {
	s := hybridForTest()
	accounts := []*Account{testAccount("a"), testAccount("b")}
	s.Health().RecordFailure("b")

	res := s.Select(accounts, "m", SelectOptions{})
	require.NotNil(t, res.Account)
	assert.Equal(t, "a", res.Account.Email)
	assert.Zero(t, res.WaitMs)
}

func TestHybridSkipsUnhealthyAccount(t *testing.T) {
	s := hybridForTest()
	accounts := []*Account{testAccount("a"), testAccount("b")}
	s.Health().RecordFailure("a")
	s.Health().RecordFailure("a")

	res := s.Select(accounts, "m", SelectOptions{})
	require.NotNil(t, res.Account)
	assert.Equal(t, "b", res.Account.Email)
}

func TestHybridEmergencyWhenAllUnhealthy(t *testing.T) {
	s := hybridForTest()
	accounts := []*Account{testAccount("a")}
	s.Health().RecordFailure("a")
	s.Health().RecordFailure("a")

	res := s.Select(accounts, "m", SelectOptions{})
	require.NotNil(t, res.Account)
	assert.Equal(t, int64(emergencyWaitMs), res.WaitMs)
}

func TestHybridLastResortWhenTokensExhausted(t *testing.T) {
	sel := config.DefaultConfig().AccountSelection
	sel.TokenBucket = &config.TokenBucketConfig{MaxTokens: 50, TokensPerMinute: 6, InitialTokens: 0}
	s := NewHybridStrategy(&sel, NewQuotaTracker(sel.Quota))

	res := s.Select([]*Account{testAccount("a")}, "m", SelectOptions{})
	require.NotNil(t, res.Account)
	assert.Equal(t, int64(lastResortWaitMs), res.WaitMs)

	// Last resort does not charge the bucket.
	assert.InDelta(t, 0, s.Bucket().Tokens("a"), 0.01)
}

func TestHybridQuotaCriticalBypass(t *testing.T) {
	s := hybridForTest()

	threshold := 0.05
	account := testAccount("a")
	account.QuotaThreshold = &threshold
	account.Quota = &QuotaInfo{
		Models:      map[string]*ModelQuotaInfo{"m": {RemainingFraction: 0.01}},
		LastChecked: time.Now().UnixMilli(),
	}

	res := s.Select([]*Account{account}, "m", SelectOptions{})
	require.NotNil(t, res.Account, "quota-critical account still serves when it is the only one")
	assert.Zero(t, res.WaitMs)
}

func TestHybridDeprioritizesQuotaCriticalAccount(t *testing.T) {
	s := hybridForTest()

	threshold := 0.05
	critical := testAccount("a")
	critical.QuotaThreshold = &threshold
	critical.Quota = &QuotaInfo{
		Models:      map[string]*ModelQuotaInfo{"m": {RemainingFraction: 0.01}},
		LastChecked: time.Now().UnixMilli(),
	}

	res := s.Select([]*Account{critical, testAccount("b")}, "m", SelectOptions{})
	require.NotNil(t, res.Account)
	assert.Equal(t, "b", res.Account.Email)
	assert.Zero(t, res.WaitMs)
}

func TestHybridReturnsNothingWhenAllLimited(t *testing.T) {
	s := hybridForTest()

	account := testAccount("a")
	account.ModelRateLimits = map[string]*RateLimitInfo{
		"m": {IsRateLimited: true, ResetTime: time.Now().UnixMilli() + 60000},
	}

	res := s.Select([]*Account{account}, "m", SelectOptions{Cursor: 0})
	assert.Nil(t, res.Account)
	assert.Zero(t, res.WaitMs)
}

func TestHybridStickyKeepsBoundAccount(t *testing.T) {
	s := hybridForTest()
	accounts := []*Account{testAccount("a"), testAccount("b")}

	first := s.Select(accounts, "m", SelectOptions{Fingerprint: "fp"})
	require.NotNil(t, first.Account)
	require.Equal(t, "a", first.Account.Email)

	// Equalize recency so only the consumed token separates the two; the
	// bound account scores within the sticky margin and keeps the session.
	now := time.Now().UnixMilli()
	accounts[0].LastUsed, accounts[1].LastUsed = now, now

	second := s.Select(accounts, "m", SelectOptions{Fingerprint: "fp"})
	require.NotNil(t, second.Account)
	assert.Equal(t, "a", second.Account.Email)

	s.DropSticky("a")
	now = time.Now().UnixMilli()
	accounts[0].LastUsed, accounts[1].LastUsed = now, now

	third := s.Select(accounts, "m", SelectOptions{Fingerprint: "fp"})
	require.NotNil(t, third.Account)
	assert.Equal(t, "b", third.Account.Email)
}

func TestHybridOnFailureRefundsToken(t *testing.T) {
	s := hybridForTest()
	account := testAccount("a")

	res := s.Select([]*Account{account}, "m", SelectOptions{})
	require.NotNil(t, res.Account)
	consumed := s.Bucket().Tokens("a")

	s.OnFailure(account, "m")
	assert.InDelta(t, consumed+1, s.Bucket().Tokens("a"), 0.01)
}

func TestRoundRobinRotates(t *testing.T) {
	quota := NewQuotaTracker(config.DefaultConfig().AccountSelection.Quota)
	s := NewRoundRobinStrategy(quota)
	accounts := []*Account{testAccount("a"), testAccount("b"), testAccount("c")}

	var picked []int
	opts := func(cursor int) SelectOptions {
		return SelectOptions{
			Cursor: cursor,
			OnPick: func(_ *Account, idx int) { picked = append(picked, idx) },
		}
	}

	res := s.Select(accounts, "m", opts(0))
	require.NotNil(t, res.Account)
	assert.Equal(t, 1, res.Index)

	res = s.Select(accounts, "m", opts(res.Index))
	assert.Equal(t, 2, res.Index)

	res = s.Select(accounts, "m", opts(res.Index))
	assert.Equal(t, 0, res.Index)

	assert.Equal(t, []int{1, 2, 0}, picked)
}

func TestRoundRobinSkipsLimitedAccounts(t *testing.T) {
	quota := NewQuotaTracker(config.DefaultConfig().AccountSelection.Quota)
	s := NewRoundRobinStrategy(quota)
	accounts := []*Account{testAccount("a"), testAccount("b"), testAccount("c")}
	accounts[1].ModelRateLimits = map[string]*RateLimitInfo{
		"m": {IsRateLimited: true, ResetTime: time.Now().UnixMilli() + 60000},
	}

	res := s.Select(accounts, "m", SelectOptions{Cursor: 0})
	require.NotNil(t, res.Account)
	assert.Equal(t, 2, res.Index)
}

func TestStickyQuotaCriticalBypass(t *testing.T) {
	quota := NewQuotaTracker(config.DefaultConfig().AccountSelection.Quota)
	s := NewStickyStrategy(quota)

	threshold := 0.05
	depleted := &QuotaInfo{
		Models:      map[string]*ModelQuotaInfo{"m": {RemainingFraction: 0.01}},
		LastChecked: time.Now().UnixMilli(),
	}
	a := testAccount("a")
	a.QuotaThreshold = &threshold
	a.Quota = depleted

	// A pool whose only account is quota-critical still serves rather than
	// turning the request away.
	res := s.Select([]*Account{a}, "m", SelectOptions{Fingerprint: "fp"})
	require.NotNil(t, res.Account)
	assert.Equal(t, "a", res.Account.Email)

	// With every account critical the conversation keeps its binding.
	b := testAccount("b")
	b.QuotaThreshold = &threshold
	b.Quota = depleted
	res = s.Select([]*Account{b, a}, "m", SelectOptions{Fingerprint: "fp"})
	require.NotNil(t, res.Account)
	assert.Equal(t, "a", res.Account.Email)

	// A clean account still wins over an unbound critical one.
	res = s.Select([]*Account{a, testAccount("c")}, "m", SelectOptions{Fingerprint: "fresh"})
	require.NotNil(t, res.Account)
	assert.Equal(t, "c", res.Account.Email)
}

func TestStickyStrategyRebinding(t *testing.T) {
	quota := NewQuotaTracker(config.DefaultConfig().AccountSelection.Quota)
	s := NewStickyStrategy(quota)
	accounts := []*Account{testAccount("a"), testAccount("b")}

	first := s.Select(accounts, "m", SelectOptions{Fingerprint: "fp"})
	require.NotNil(t, first.Account)
	assert.Equal(t, "a", first.Account.Email)

	// Bound account drops out; the conversation re-binds to the next one.
	accounts[0].Enabled = false
	second := s.Select(accounts, "m", SelectOptions{Fingerprint: "fp"})
	require.NotNil(t, second.Account)
	assert.Equal(t, "b", second.Account.Email)

	// The old account coming back does not steal the conversation.
	accounts[0].Enabled = true
	third := s.Select(accounts, "m", SelectOptions{Fingerprint: "fp"})
	require.NotNil(t, third.Account)
	assert.Equal(t, "b", third.Account.Email)

	// A different conversation starts at the front of the roster.
	fresh := s.Select(accounts, "m", SelectOptions{Fingerprint: "other"})
	require.NotNil(t, fresh.Account)
	assert.Equal(t, "a", fresh.Account.Email)
}
