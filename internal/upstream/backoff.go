package upstream

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/logging"
)

// backoffTracker tracks consecutive throttles per (account, model) so
// repeated 429s escalate and near-simultaneous ones deduplicate.
type backoffTracker struct {
	mu     sync.Mutex
	states map[string]*backoffState
}

type backoffState struct {
	consecutive int
	lastAt      time.Time
}

// BackoffResult is the outcome of one throttle observation.
type BackoffResult struct {
	Attempt     int
	DelayMs     int64
	IsDuplicate bool
}

func newBackoffTracker() *backoffTracker {
	return &backoffTracker{states: make(map[string]*backoffState)}
}

func backoffKey(email, model string) string {
	return email + ":" + model
}

// Observe records a throttle for (email, model) and returns the computed
// delay. Observations within the dedup window report IsDuplicate so the
// caller switches accounts instead of compounding the cooldown.
func (t *backoffTracker) Observe(email, model string, serverResetMs int64) BackoffResult {
	now := time.Now()
	key := backoffKey(email, model)

	t.mu.Lock()
	defer t.mu.Unlock()

	previous := t.states[key]

	baseDelay := serverResetMs
	if baseDelay <= 0 {
		baseDelay = config.DefaultCooldownMs
	}

	if previous != nil && now.Sub(previous.lastAt).Milliseconds() < int64(config.Get().RateLimitDedupWindowMs) {
		delay := expBackoff(baseDelay, previous.consecutive)
		return BackoffResult{Attempt: previous.consecutive, DelayMs: delay, IsDuplicate: true}
	}

	attempt := 1
	if previous != nil && now.Sub(previous.lastAt).Milliseconds() < config.RateLimitStateResetMs {
		attempt = previous.consecutive + 1
	}
	t.states[key] = &backoffState{consecutive: attempt, lastAt: now}

	delay := expBackoff(baseDelay, attempt)
	logging.Debug("upstream: rate limit backoff for %s:%s attempt=%d delay=%dms", email, model, attempt, delay)
	return BackoffResult{Attempt: attempt, DelayMs: delay}
}

// Clear resets the throttle state after a successful request.
func (t *backoffTracker) Clear(email, model string) {
	t.mu.Lock()
	delete(t.states, backoffKey(email, model))
	t.mu.Unlock()
}

// cleanup drops entries idle longer than the state reset window.
func (t *backoffTracker) cleanup() {
	cutoff := time.Now().Add(-time.Duration(config.RateLimitStateResetMs) * time.Millisecond)
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, state := range t.states {
		if state.lastAt.Before(cutoff) {
			delete(t.states, key)
		}
	}
}

func expBackoff(baseMs int64, attempt int) int64 {
	if attempt < 1 {
		attempt = 1
	}
	scaled := int64(math.Min(float64(baseMs)*math.Pow(2, float64(attempt-1)), 60000))
	if baseMs > scaled {
		return baseMs
	}
	return scaled
}

// IsPermanentAuthFailure reports whether an auth error requires the operator
// to re-authenticate, as opposed to a stale cached token.
func IsPermanentAuthFailure(body string) bool {
	lower := strings.ToLower(body)
	return containsAny(lower,
		"invalid_grant",
		"token revoked",
		"token has been expired or revoked",
		"token_revoked",
		"invalid_client",
		"credentials are invalid")
}

// IsModelCapacityExhausted reports whether a 429 is a capacity problem on
// the model, not this account's quota.
func IsModelCapacityExhausted(body string) bool {
	lower := strings.ToLower(body)
	return containsAny(lower,
		"model_capacity_exhausted",
		"capacity_exhausted",
		"model is currently overloaded",
		"service temporarily unavailable")
}

// CalculateSmartBackoff picks a cooldown from the error class when the
// server gave no reset hint, or floors the server hint to avoid tight loops.
func CalculateSmartBackoff(body string, serverResetMs int64, consecutiveFailures int) int64 {
	if serverResetMs > 0 {
		if serverResetMs < config.MinBackoffMs {
			return config.MinBackoffMs
		}
		return serverResetMs
	}

	switch ParseRateLimitReason(body, 0) {
	case ReasonQuotaExhausted:
		tier := consecutiveFailures
		if tier > len(config.QuotaExhaustedBackoffTiersMs)-1 {
			tier = len(config.QuotaExhaustedBackoffTiersMs) - 1
		}
		return config.QuotaExhaustedBackoffTiersMs[tier]
	case ReasonRateLimitExceeded:
		return config.BackoffByErrorType["RATE_LIMIT_EXCEEDED"]
	case ReasonModelCapacity:
		return config.BackoffByErrorType["MODEL_CAPACITY_EXHAUSTED"] + rand.Int63n(config.CapacityJitterMaxMs)
	case ReasonServerError:
		return config.BackoffByErrorType["SERVER_ERROR"]
	default:
		return config.BackoffByErrorType["UNKNOWN"]
	}
}
