// Package pool manages the account roster: persistence, credential caching,
// rate-limit bookkeeping and selection strategies.
package pool

import (
	"time"
)

// Account sources.
const (
	SourceOAuth    = "oauth"
	SourceManual   = "manual"
	SourceDatabase = "database"
)

// Account is one configured upstream identity.
type Account struct {
	Email   string `json:"email"`
	Source  string `json:"source"`
	Enabled bool   `json:"enabled"`

	// RefreshToken is the composite "refreshToken|projectId|managedProjectId"
	// form for oauth accounts.
	RefreshToken string `json:"refreshToken,omitempty"`
	// APIKey holds a raw bearer token for manual accounts.
	APIKey           string `json:"apiKey,omitempty"`
	ProjectID        string `json:"projectId,omitempty"`
	ManagedProjectID string `json:"managedProjectId,omitempty"`

	Subscription *SubscriptionInfo `json:"subscription,omitempty"`

	// Quota thresholds: per-model overrides the per-account value, which in
	// turn overrides the global threshold from config.
	QuotaThreshold       *float64           `json:"quotaThreshold,omitempty"`
	ModelQuotaThresholds map[string]float64 `json:"modelQuotaThresholds,omitempty"`
	Quota                *QuotaInfo         `json:"quota,omitempty"`

	ModelRateLimits map[string]*RateLimitInfo `json:"modelRateLimits,omitempty"`

	LastUsed      int64  `json:"lastUsed,omitempty"`
	Invalid       bool   `json:"isInvalid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	InvalidAt     int64  `json:"invalidAt,omitempty"`
}

// SubscriptionInfo records the detected subscription tier.
type SubscriptionInfo struct {
	Tier       string `json:"tier"`
	ProjectID  string `json:"projectId,omitempty"`
	DetectedAt int64  `json:"detectedAt"`
}

// QuotaInfo caches per-model remaining quota fetched from upstream.
type QuotaInfo struct {
	Models      map[string]*ModelQuotaInfo `json:"models"`
	LastChecked int64                      `json:"lastChecked,omitempty"`
}

// ModelQuotaInfo is the remaining quota for one model.
type ModelQuotaInfo struct {
	RemainingFraction float64 `json:"remainingFraction"`
	ResetTime         string  `json:"resetTime,omitempty"`
}

// RateLimitInfo is the cooldown state for one (account, model) pair.
type RateLimitInfo struct {
	IsRateLimited bool  `json:"isRateLimited"`
	ResetTime     int64 `json:"resetTime,omitempty"`
	ActualResetMs int64 `json:"actualResetMs,omitempty"`
	// MarkedAt dedups concurrent 429s; repeated marks inside the dedup
	// window must not extend the cooldown.
	MarkedAt int64 `json:"-"`
}

// IsRateLimitedFor reports whether the account is cooling down for a model.
func (a *Account) IsRateLimitedFor(model string, now int64) bool {
	if a.ModelRateLimits == nil {
		return false
	}
	info, ok := a.ModelRateLimits[model]
	if !ok || info == nil || !info.IsRateLimited {
		return false
	}
	return info.ResetTime > now
}

// RateLimitResetMs returns how long until the account's cooldown for a model
// expires, or 0 when it is not limited.
func (a *Account) RateLimitResetMs(model string, now int64) int64 {
	if a.ModelRateLimits == nil {
		return 0
	}
	info, ok := a.ModelRateLimits[model]
	if !ok || info == nil || !info.IsRateLimited {
		return 0
	}
	if wait := info.ResetTime - now; wait > 0 {
		return wait
	}
	return 0
}

// Usable reports whether the account can serve a model right now. Quota and
// health gating live in the strategies; this is the hard floor.
func (a *Account) Usable(model string, now int64) bool {
	return a.Enabled && !a.Invalid && !a.IsRateLimitedFor(model, now)
}

// ClearExpiredRateLimits drops cooldown entries whose reset time has passed.
// Returns true when anything changed.
func (a *Account) ClearExpiredRateLimits(now int64) bool {
	changed := false
	for model, info := range a.ModelRateLimits {
		if info == nil || !info.IsRateLimited || info.ResetTime <= now {
			delete(a.ModelRateLimits, model)
			changed = true
		}
	}
	return changed
}

// QuotaFor returns the cached quota entry for a model, nil when unknown or
// stale.
func (a *Account) QuotaFor(model string, staleMs int64) *ModelQuotaInfo {
	if a.Quota == nil || a.Quota.Models == nil {
		return nil
	}
	if staleMs > 0 && a.Quota.LastChecked > 0 {
		if time.Now().UnixMilli()-a.Quota.LastChecked > staleMs {
			return nil
		}
	}
	return a.Quota.Models[model]
}
