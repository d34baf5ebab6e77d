package pool

import (
	"time"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/logging"
)

// Scoring weights for the hybrid strategy. Token budget dominates so hot
// accounts cool off, quota and health pull in the same direction, and the
// LRU term breaks ties toward the least recently used account.
const (
	weightHealth = 2.0
	weightTokens = 5.0
	weightQuota  = 3.0
	weightLRU    = 0.1

	lruCapSeconds = 3600

	// Throttle hints attached to degraded-mode picks.
	emergencyWaitMs  = 250
	lastResortWaitMs = 500

	// stickyMargin keeps a conversation on its bound account as long as that
	// account scores within this fraction of the best candidate.
	stickyMargin = 0.9
)

type fallbackLevel int

const (
	levelNormal     fallbackLevel = iota
	levelQuota                    // ignore quota-critical flags
	levelEmergency                // also ignore health
	levelLastResort               // also ignore token budget
)

// HybridStrategy scores every usable account and picks the best, degrading
// through fallback levels instead of returning nothing while any account
// could still serve.
type HybridStrategy struct {
	health *HealthTracker
	bucket *TokenBucketTracker
	quota  *QuotaTracker
	sticky *stickyTable
}

// NewHybridStrategy builds the scoring strategy with its trackers.
func NewHybridStrategy(cfg *config.AccountSelectionConfig, quota *QuotaTracker) *HybridStrategy {
	return &HybridStrategy{
		health: NewHealthTracker(cfg.HealthScore),
		bucket: NewTokenBucketTracker(cfg.TokenBucket),
		quota:  quota,
		sticky: newStickyTable(30 * time.Minute),
	}
}

// Name identifies the strategy.
func (s *HybridStrategy) Name() string { return "hybrid" }

// Health exposes the tracker for status reporting.
func (s *HybridStrategy) Health() *HealthTracker { return s.health }

// Bucket exposes the tracker for status reporting.
func (s *HybridStrategy) Bucket() *TokenBucketTracker { return s.bucket }

// DropSticky clears conversation bindings for a departed account.
func (s *HybridStrategy) DropSticky(email string) { s.sticky.DropAccount(email) }

// Select scores the candidates and returns the best, preferring the
// conversation's sticky account when it scores close enough.
func (s *HybridStrategy) Select(accounts []*Account, model string, opts SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{Index: 0}
	}
	now := time.Now().UnixMilli()

	for level := levelNormal; level <= levelLastResort; level++ {
		candidates := s.candidates(accounts, model, now, level)
		if len(candidates) == 0 {
			continue
		}

		best := s.pick(accounts, candidates, opts.Fingerprint, model, now)
		account := accounts[best]

		if level < levelLastResort {
			s.bucket.Consume(account.Email)
		}
		account.LastUsed = now
		s.sticky.Bind(opts.Fingerprint, account.Email)
		if opts.OnPick != nil {
			opts.OnPick(account, best)
		}

		waitMs := int64(0)
		switch level {
		case levelQuota:
			logging.Info("[hybrid] quota-critical bypass, using %s", account.Email)
		case levelEmergency:
			waitMs = emergencyWaitMs
			logging.Warn("[hybrid] all healthy accounts exhausted, using %s in emergency mode", account.Email)
		case levelLastResort:
			waitMs = lastResortWaitMs
			logging.Warn("[hybrid] token budgets exhausted, using %s as last resort", account.Email)
		default:
			logging.Debug("[hybrid] using %s", account.Email)
		}
		return &SelectionResult{Account: account, Index: best, WaitMs: waitMs}
	}

	return s.diagnose(accounts, model, now, opts.Cursor)
}

// candidates returns the roster indexes usable at the given fallback level.
func (s *HybridStrategy) candidates(accounts []*Account, model string, now int64, level fallbackLevel) []int {
	var out []int
	for idx, account := range accounts {
		if !account.Usable(model, now) {
			continue
		}
		if level < levelQuota && s.quota.IsCritical(account, model) {
			continue
		}
		if level < levelEmergency && !s.health.IsUsable(account.Email) {
			continue
		}
		if level < levelLastResort && !s.bucket.HasTokens(account.Email) {
			continue
		}
		out = append(out, idx)
	}
	return out
}

// score computes the composite selection score for one account.
func (s *HybridStrategy) score(account *Account, model string, now int64) float64 {
	healthScore := s.health.Score(account.Email)

	tokenScore := 0.0
	if max := s.bucket.MaxTokens(); max > 0 {
		tokenScore = s.bucket.Tokens(account.Email) / max * 100
	}

	quotaScore := s.quota.Score(account, model)

	lruSeconds := float64(now-account.LastUsed) / 1000
	if account.LastUsed == 0 || lruSeconds > lruCapSeconds {
		lruSeconds = lruCapSeconds
	}

	return healthScore*weightHealth +
		tokenScore*weightTokens +
		quotaScore*weightQuota +
		lruSeconds*weightLRU
}

// pick returns the candidate index with the best composite score, keeping
// the conversation's bound account when it scores within the sticky margin.
func (s *HybridStrategy) pick(accounts []*Account, candidates []int, fingerprint, model string, now int64) int {
	stickyEmail := s.sticky.Lookup(fingerprint)

	bestIdx := candidates[0]
	bestScore := -1.0
	boundIdx := -1
	boundScore := 0.0

	for _, idx := range candidates {
		score := s.score(accounts[idx], model, now)
		if score > bestScore {
			bestIdx, bestScore = idx, score
		}
		if stickyEmail != "" && accounts[idx].Email == stickyEmail {
			boundIdx, boundScore = idx, score
		}
	}

	if boundIdx >= 0 && boundScore >= bestScore*stickyMargin {
		return boundIdx
	}
	return bestIdx
}

// OnSuccess rewards the account's health.
func (s *HybridStrategy) OnSuccess(account *Account, model string) {
	s.health.RecordSuccess(account.Email)
}

// OnRateLimit penalizes health; the token stays consumed since the upstream
// did process the request.
func (s *HybridStrategy) OnRateLimit(account *Account, model string) {
	s.health.RecordRateLimit(account.Email)
}

// OnFailure penalizes health and refunds the selection token.
func (s *HybridStrategy) OnFailure(account *Account, model string) {
	s.health.RecordFailure(account.Email)
	s.bucket.Refund(account.Email)
}

// diagnose explains an empty candidate set: when accounts are only blocked
// on token regeneration, report how long until one frees up.
func (s *HybridStrategy) diagnose(accounts []*Account, model string, now int64, cursor int) *SelectionResult {
	var tokenBlocked []string
	for _, account := range accounts {
		if account.Usable(model, now) {
			tokenBlocked = append(tokenBlocked, account.Email)
		}
	}
	if len(tokenBlocked) > 0 {
		wait := s.bucket.MinTimeUntilToken(tokenBlocked)
		return &SelectionResult{Index: cursor, WaitMs: wait.Milliseconds()}
	}
	return &SelectionResult{Index: cursor}
}
