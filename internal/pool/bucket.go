package pool

import (
	"sync"
	"time"

	"github.com/crosswire-dev/crosswire/internal/config"
)

type bucketState struct {
	tokens      float64
	lastUpdated time.Time
}

// TokenBucketTracker rate-limits how often each account is picked. Tokens
// regenerate lazily on read rather than on a timer.
type TokenBucketTracker struct {
	mu      sync.Mutex
	cfg     config.TokenBucketConfig
	buckets map[string]*bucketState
}

// NewTokenBucketTracker builds a tracker with the given tuning.
func NewTokenBucketTracker(cfg *config.TokenBucketConfig) *TokenBucketTracker {
	return &TokenBucketTracker{
		cfg:     *cfg,
		buckets: make(map[string]*bucketState),
	}
}

func (t *TokenBucketTracker) bucket(email string) *bucketState {
	b, ok := t.buckets[email]
	if !ok {
		b = &bucketState{tokens: t.cfg.InitialTokens, lastUpdated: time.Now()}
		t.buckets[email] = b
	}
	return b
}

// regenerate credits tokens for elapsed time. Caller holds the lock.
func (t *TokenBucketTracker) regenerate(b *bucketState) {
	now := time.Now()
	minutes := now.Sub(b.lastUpdated).Minutes()
	if minutes > 0 {
		b.tokens += minutes * t.cfg.TokensPerMinute
		if b.tokens > t.cfg.MaxTokens {
			b.tokens = t.cfg.MaxTokens
		}
	}
	b.lastUpdated = now
}

// Tokens returns the current token count for an account.
func (t *TokenBucketTracker) Tokens(email string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucket(email)
	t.regenerate(b)
	return b.tokens
}

// HasTokens reports whether a full token is available.
func (t *TokenBucketTracker) HasTokens(email string) bool {
	return t.Tokens(email) >= 1
}

// Consume takes one token. Returns false when the bucket is empty.
func (t *TokenBucketTracker) Consume(email string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucket(email)
	t.regenerate(b)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Refund returns a token after a failed request, so a throttled upstream
// does not also charge the account a selection slot.
func (t *TokenBucketTracker) Refund(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucket(email)
	t.regenerate(b)
	b.tokens++
	if b.tokens > t.cfg.MaxTokens {
		b.tokens = t.cfg.MaxTokens
	}
}

// TimeUntilNextToken returns how long until the account regenerates a full
// token, 0 when one is already available.
func (t *TokenBucketTracker) TimeUntilNextToken(email string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucket(email)
	t.regenerate(b)
	if b.tokens >= 1 {
		return 0
	}
	needed := 1 - b.tokens
	minutes := needed / t.cfg.TokensPerMinute
	return time.Duration(minutes * float64(time.Minute))
}

// MinTimeUntilToken returns the shortest wait across the given accounts.
func (t *TokenBucketTracker) MinTimeUntilToken(emails []string) time.Duration {
	var min time.Duration = -1
	for _, email := range emails {
		wait := t.TimeUntilNextToken(email)
		if min < 0 || wait < min {
			min = wait
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// MaxTokens exposes the configured bucket capacity, for score normalization.
func (t *TokenBucketTracker) MaxTokens() float64 {
	return t.cfg.MaxTokens
}

// Reset restores an account's bucket to the initial fill.
func (t *TokenBucketTracker) Reset(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buckets, email)
}
