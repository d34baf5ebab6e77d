package pool

import (
	"github.com/crosswire-dev/crosswire/internal/config"
)

// QuotaTracker turns cached upstream quota snapshots into selection signals.
// Stale snapshots are ignored rather than trusted.
type QuotaTracker struct {
	cfg config.QuotaConfig
}

// NewQuotaTracker builds a tracker with the given tuning.
func NewQuotaTracker(cfg *config.QuotaConfig) *QuotaTracker {
	return &QuotaTracker{cfg: *cfg}
}

// Threshold resolves the exhaustion threshold for an account and model:
// per-model override, then per-account, then the global setting.
func (t *QuotaTracker) Threshold(account *Account, model string) float64 {
	if v, ok := account.ModelQuotaThresholds[model]; ok {
		return v
	}
	if account.QuotaThreshold != nil {
		return *account.QuotaThreshold
	}
	return config.Get().GlobalQuotaThreshold
}

// IsCritical reports whether the account's remaining quota for a model is at
// or below its threshold. Unknown or stale quota is never critical.
func (t *QuotaTracker) IsCritical(account *Account, model string) bool {
	quota := account.QuotaFor(model, t.cfg.StaleMs)
	if quota == nil {
		return false
	}
	return quota.RemainingFraction <= t.Threshold(account, model)
}

// Score maps remaining quota to a 0-100 selection score. Accounts with no
// fresh quota data get a neutral score so they are neither favored nor
// starved.
func (t *QuotaTracker) Score(account *Account, model string) float64 {
	quota := account.QuotaFor(model, t.cfg.StaleMs)
	if quota == nil {
		if t.cfg.UnknownScore > 0 {
			return t.cfg.UnknownScore
		}
		return 50
	}
	score := quota.RemainingFraction * 100
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
