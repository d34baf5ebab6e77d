package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/crosswire-dev/crosswire/internal/config"
)

func TestHealthScoring(t *testing.T) {
	tr := NewHealthTracker(config.DefaultConfig().AccountSelection.HealthScore)

	assert.InDelta(t, 70, tr.Score("a"), 0.1)
	assert.True(t, tr.IsUsable("a"))

	tr.RecordSuccess("a")
	assert.InDelta(t, 71, tr.Score("a"), 0.1)

	tr.RecordRateLimit("a")
	assert.InDelta(t, 61, tr.Score("a"), 0.1)

	tr.RecordFailure("a")
	assert.InDelta(t, 41, tr.Score("a"), 0.1)
	assert.False(t, tr.IsUsable("a"))

	tr.Reset("a")
	assert.InDelta(t, 70, tr.Score("a"), 0.1)
}

func TestHealthScoreClamps(t *testing.T) {
	tr := NewHealthTracker(config.DefaultConfig().AccountSelection.HealthScore)

	for i := 0; i < 50; i++ {
		tr.RecordSuccess("up")
	}
	assert.InDelta(t, 100, tr.Score("up"), 0.1)

	for i := 0; i < 10; i++ {
		tr.RecordFailure("down")
	}
	assert.InDelta(t, 0, tr.Score("down"), 0.1)
}

func TestHealthFailureStreak(t *testing.T) {
	tr := NewHealthTracker(config.DefaultConfig().AccountSelection.HealthScore)

	tr.RecordFailure("a")
	tr.RecordRateLimit("a")
	assert.Equal(t, 2, tr.ConsecutiveFailures("a"))

	tr.RecordSuccess("a")
	assert.Zero(t, tr.ConsecutiveFailures("a"))
}

func TestTokenBucket(t *testing.T) {
	tr := NewTokenBucketTracker(&config.TokenBucketConfig{
		MaxTokens:       50,
		TokensPerMinute: 6,
		InitialTokens:   1,
	})

	assert.True(t, tr.HasTokens("a"))
	assert.True(t, tr.Consume("a"))
	assert.False(t, tr.HasTokens("a"))
	assert.False(t, tr.Consume("a"))

	// At 6 tokens/minute the next token is ten seconds out.
	assert.InDelta(t, 10, tr.TimeUntilNextToken("a").Seconds(), 0.5)

	// An untouched account has a full token ready.
	assert.Zero(t, tr.MinTimeUntilToken([]string{"a", "b"}))

	tr.Refund("a")
	assert.True(t, tr.HasTokens("a"))
}

func TestTokenBucketRefundCapped(t *testing.T) {
	tr := NewTokenBucketTracker(&config.TokenBucketConfig{
		MaxTokens:       2,
		TokensPerMinute: 6,
		InitialTokens:   2,
	})

	tr.Refund("a")
	assert.InDelta(t, 2, tr.Tokens("a"), 0.01)
}

func TestQuotaThresholdPrecedence(t *testing.T) {
	tr := NewQuotaTracker(config.DefaultConfig().AccountSelection.Quota)

	perAccount := 0.05
	account := testAccount("a")
	account.QuotaThreshold = &perAccount
	account.ModelQuotaThresholds = map[string]float64{"model-2": 0.2}
	account.Quota = &QuotaInfo{
		Models: map[string]*ModelQuotaInfo{
			"model-1": {RemainingFraction: 0.02},
			"model-2": {RemainingFraction: 0.10},
		},
		LastChecked: time.Now().UnixMilli(),
	}

	assert.True(t, tr.IsCritical(account, "model-1"), "0.02 under account threshold 0.05")
	assert.True(t, tr.IsCritical(account, "model-2"), "0.10 under model threshold 0.20")
	assert.False(t, tr.IsCritical(account, "model-3"), "unknown quota is never critical")

	assert.InDelta(t, 2, tr.Score(account, "model-1"), 0.1)
	assert.InDelta(t, 50, tr.Score(account, "model-3"), 0.1)
}

func TestQuotaStaleSnapshotIgnored(t *testing.T) {
	tr := NewQuotaTracker(config.DefaultConfig().AccountSelection.Quota)

	perAccount := 0.05
	account := testAccount("a")
	account.QuotaThreshold = &perAccount
	account.Quota = &QuotaInfo{
		Models:      map[string]*ModelQuotaInfo{"model-1": {RemainingFraction: 0}},
		LastChecked: time.Now().UnixMilli() - 600000,
	}

	assert.False(t, tr.IsCritical(account, "model-1"))
	assert.InDelta(t, 50, tr.Score(account, "model-1"), 0.1)
}
