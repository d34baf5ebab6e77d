package pool

import (
	"sync"
	"time"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/logging"
)

type healthState struct {
	score               float64
	lastUpdated         time.Time
	consecutiveFailures int
}

// HealthTracker scores accounts by recent behavior. Scores recover passively
// over time so a bad hour does not bench an account forever.
type HealthTracker struct {
	mu     sync.Mutex
	cfg    config.HealthScoreConfig
	states map[string]*healthState
}

// NewHealthTracker builds a tracker with the given tuning.
func NewHealthTracker(cfg *config.HealthScoreConfig) *HealthTracker {
	return &HealthTracker{
		cfg:    *cfg,
		states: make(map[string]*healthState),
	}
}

func (t *HealthTracker) state(email string) *healthState {
	st, ok := t.states[email]
	if !ok {
		st = &healthState{score: t.cfg.Initial, lastUpdated: time.Now()}
		t.states[email] = st
	}
	return st
}

// applyRecovery credits passive recovery for the time since the last update.
// Caller holds the lock.
func (t *HealthTracker) applyRecovery(st *healthState) {
	now := time.Now()
	hours := now.Sub(st.lastUpdated).Hours()
	if hours > 0 && st.score < t.cfg.MaxScore {
		st.score = t.clamp(st.score + hours*t.cfg.RecoveryPerHour)
	}
	st.lastUpdated = now
}

func (t *HealthTracker) clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > t.cfg.MaxScore {
		return t.cfg.MaxScore
	}
	return score
}

// Score returns the current health score for an account.
func (t *HealthTracker) Score(email string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(email)
	t.applyRecovery(st)
	return st.score
}

// IsUsable reports whether the account clears the minimum health bar.
func (t *HealthTracker) IsUsable(email string) bool {
	return t.Score(email) >= t.cfg.MinUsable
}

// RecordSuccess rewards a completed request and resets the failure streak.
func (t *HealthTracker) RecordSuccess(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(email)
	t.applyRecovery(st)
	st.score = t.clamp(st.score + t.cfg.SuccessReward)
	st.consecutiveFailures = 0
}

// RecordRateLimit penalizes a throttled request.
func (t *HealthTracker) RecordRateLimit(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(email)
	t.applyRecovery(st)
	st.score = t.clamp(st.score + t.cfg.RateLimitPenalty)
	st.consecutiveFailures++
	logging.Debug("Health: %s rate-limited, score now %.1f (streak %d)",
		email, st.score, st.consecutiveFailures)
}

// RecordFailure penalizes a hard failure.
func (t *HealthTracker) RecordFailure(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(email)
	t.applyRecovery(st)
	st.score = t.clamp(st.score + t.cfg.FailurePenalty)
	st.consecutiveFailures++
	logging.Debug("Health: %s failed, score now %.1f (streak %d)",
		email, st.score, st.consecutiveFailures)
}

// ConsecutiveFailures returns the current failure streak.
func (t *HealthTracker) ConsecutiveFailures(email string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(email).consecutiveFailures
}

// Reset restores an account to the initial score.
func (t *HealthTracker) Reset(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, email)
}
