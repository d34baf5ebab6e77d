package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/logging"
)

// Selection is the outcome of picking an account for a request. A nil
// Account with a positive WaitMs asks the caller to wait and retry.
type Selection struct {
	Account *Account
	WaitMs  int64
}

// Manager owns the roster and everything derived from it: selection,
// rate-limit bookkeeping, credential caching and persistence.
type Manager struct {
	mu       sync.Mutex
	store    *Store
	accounts []*Account
	cursor   int

	strategy Strategy
	quota    *QuotaTracker
	creds    *credentialCache

	// rateLimitStreaks counts consecutive MarkRateLimited calls per account;
	// past the configured ceiling the cooldown is extended.
	rateLimitStreaks map[string]int

	// lastOptimisticReset caps OptimisticReset to once per episode per model.
	lastOptimisticReset map[string]int64
}

// NewManager loads the roster from disk and builds the configured strategy.
func NewManager(path string) (*Manager, error) {
	store := NewStore(path)
	accounts, cursor, err := store.Load()
	if err != nil {
		return nil, err
	}

	cfg := config.Get()
	quota := NewQuotaTracker(cfg.AccountSelection.Quota)

	m := &Manager{
		store:               store,
		accounts:            accounts,
		cursor:              cursor,
		strategy:            NewStrategy(cfg.Strategy(), &cfg.AccountSelection, quota),
		quota:               quota,
		creds:               newCredentialCache(),
		rateLimitStreaks:    make(map[string]int),
		lastOptimisticReset: make(map[string]int64),
	}
	logging.Info("Account pool loaded: %d accounts (%s strategy)", len(accounts), m.strategy.Name())
	return m, nil
}

// ============================================================
// Availability
// ============================================================

// AccountCount returns the roster size.
func (m *Manager) AccountCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// EnabledCount returns how many accounts are enabled and not invalid.
func (m *Manager) EnabledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.accounts {
		if a.Enabled && !a.Invalid {
			n++
		}
	}
	return n
}

// HasAvailable reports whether any account can serve the model right now.
func (m *Manager) HasAvailable(model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixMilli()
	for _, a := range m.accounts {
		if a.Usable(model, now) {
			return true
		}
	}
	return false
}

// IsAllRateLimited reports whether every enabled account is cooling down for
// the model. False when the pool is empty or all accounts are invalid, which
// is a configuration problem rather than a throttle.
func (m *Manager) IsAllRateLimited(model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixMilli()
	sawEnabled := false
	for _, a := range m.accounts {
		if !a.Enabled || a.Invalid {
			continue
		}
		sawEnabled = true
		if !a.IsRateLimitedFor(model, now) {
			return false
		}
	}
	return sawEnabled
}

// MinWaitMs returns the shortest remaining cooldown across enabled accounts
// for the model.
func (m *Manager) MinWaitMs(model string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixMilli()
	var min int64 = -1
	for _, a := range m.accounts {
		if !a.Enabled || a.Invalid {
			continue
		}
		wait := a.RateLimitResetMs(model, now)
		if wait > 0 && (min < 0 || wait < min) {
			min = wait
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// ResetExpired drops cooldown entries whose reset time has passed.
func (m *Manager) ResetExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixMilli()
	changed := false
	for _, a := range m.accounts {
		if a.ClearExpiredRateLimits(now) {
			changed = true
		}
	}
	if changed {
		m.saveLocked()
	}
}

// ============================================================
// Selection
// ============================================================

// Select picks an account for the request via the configured strategy.
func (m *Manager) Select(ctx context.Context, model, fingerprint string) (Selection, error) {
	if err := ctx.Err(); err != nil {
		return Selection{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	result := m.strategy.Select(m.accounts, model, SelectOptions{
		Cursor:      m.cursor,
		Fingerprint: fingerprint,
		OnPick: func(_ *Account, idx int) {
			m.cursor = idx
		},
	})
	if result.Account != nil {
		m.saveLocked()
	}
	return Selection{Account: result.Account, WaitMs: result.WaitMs}, nil
}

// ============================================================
// Credentials
// ============================================================

// Token returns a valid access token for the account. A revoked grant marks
// the account invalid before the error surfaces.
func (m *Manager) Token(ctx context.Context, account *Account) (string, error) {
	token, err := m.creds.Token(ctx, account)
	if err != nil && isRevocationError(err) {
		m.MarkInvalid(account.Email, "refresh token revoked, re-authentication required")
	}
	return token, err
}

// ProjectID resolves the project to bill the request to.
func (m *Manager) ProjectID(ctx context.Context, account *Account) string {
	token, err := m.creds.Token(ctx, account)
	if err != nil {
		return config.DefaultProjectID
	}
	return m.creds.ProjectID(ctx, account, token)
}

// InvalidateCredentials drops cached credentials for one account.
func (m *Manager) InvalidateCredentials(email string) {
	m.creds.Invalidate(email)
}

// InvalidateAllCredentials drops every cached token and project.
func (m *Manager) InvalidateAllCredentials() {
	m.creds.InvalidateAll()
}

// ============================================================
// Outcome bookkeeping
// ============================================================

// MarkSuccess records a completed request.
func (m *Manager) MarkSuccess(account *Account, model string) {
	m.mu.Lock()
	delete(m.rateLimitStreaks, account.Email)
	m.mu.Unlock()
	m.strategy.OnSuccess(account, model)
}

// MarkFailure records a hard failure.
func (m *Manager) MarkFailure(account *Account, model string) {
	m.strategy.OnFailure(account, model)
}

// MarkRateLimited puts an (account, model) pair on cooldown. Marks arriving
// inside the dedup window are dropped so concurrent 429s from one burst do
// not stack cooldowns; a long streak of separate throttles escalates to the
// extended cooldown.
func (m *Manager) MarkRateLimited(email, model string, cooldownMs int64) {
	cfg := config.Get()
	now := time.Now().UnixMilli()

	m.mu.Lock()
	account := m.findLocked(email)
	if account == nil {
		m.mu.Unlock()
		return
	}

	if account.ModelRateLimits == nil {
		account.ModelRateLimits = make(map[string]*RateLimitInfo)
	}
	if existing, ok := account.ModelRateLimits[model]; ok && existing != nil {
		if existing.IsRateLimited && now-existing.MarkedAt < cfg.RateLimitDedupWindowMs {
			m.mu.Unlock()
			return
		}
	}

	if cooldownMs <= 0 {
		cooldownMs = cfg.DefaultCooldownMs
	}
	m.rateLimitStreaks[email]++
	streak := m.rateLimitStreaks[email]
	if streak >= cfg.MaxConsecutiveFailures && cooldownMs < cfg.ExtendedCooldownMs {
		logging.Warn("Account %s hit %d consecutive rate limits, extending cooldown to %dms",
			email, streak, cfg.ExtendedCooldownMs)
		cooldownMs = cfg.ExtendedCooldownMs
	}

	account.ModelRateLimits[model] = &RateLimitInfo{
		IsRateLimited: true,
		ResetTime:     now + cooldownMs,
		ActualResetMs: cooldownMs,
		MarkedAt:      now,
	}
	m.saveLocked()
	m.mu.Unlock()

	m.strategy.OnRateLimit(account, model)
	logging.Info("Account %s rate-limited on %s for %dms", email, model, cooldownMs)
}

// MarkInvalid benches an account until it is re-authenticated.
func (m *Manager) MarkInvalid(email, reason string) {
	m.mu.Lock()
	account := m.findLocked(email)
	if account == nil {
		m.mu.Unlock()
		return
	}
	account.Invalid = true
	account.InvalidReason = reason
	account.InvalidAt = time.Now().UnixMilli()
	m.saveLocked()
	m.mu.Unlock()

	m.creds.Invalidate(email)
	m.dropSticky(email)
	logging.Error("Account %s marked invalid: %s", email, reason)
}

// OptimisticReset clears a model's cooldowns across the pool when every
// enabled account is limited for it. Upstream resets are often shorter than
// what the error admitted to, so one optimistic attempt at admission beats
// stalling the request. Returns true when marks were cleared.
func (m *Manager) OptimisticReset(model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixMilli()
	limited := 0
	enabled := 0
	for _, a := range m.accounts {
		if !a.Enabled || a.Invalid {
			continue
		}
		enabled++
		if a.IsRateLimitedFor(model, now) {
			limited++
		}
	}
	if enabled == 0 || limited < enabled {
		return false
	}
	if now-m.lastOptimisticReset[model] < config.RateLimitStateResetMs {
		return false
	}
	m.lastOptimisticReset[model] = now

	for _, a := range m.accounts {
		if a.ModelRateLimits != nil {
			delete(a.ModelRateLimits, model)
		}
	}
	m.saveLocked()
	logging.Info("Optimistic reset: cleared %s cooldowns on %d accounts", model, limited)
	return true
}

// ClearRateLimits removes all cooldowns for an account.
func (m *Manager) ClearRateLimits(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account := m.findLocked(email)
	if account == nil {
		return
	}
	account.ModelRateLimits = nil
	delete(m.rateLimitStreaks, email)
	m.saveLocked()
}

// SetQuota updates the cached quota snapshot for an account.
func (m *Manager) SetQuota(email string, quota *QuotaInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account := m.findLocked(email)
	if account == nil {
		return
	}
	account.Quota = quota
	m.saveLocked()
}

// UpdateSubscription records the detected subscription tier and the project
// it was resolved against.
func (m *Manager) UpdateSubscription(email, tier, projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account := m.findLocked(email)
	if account == nil {
		return
	}
	account.Subscription = &SubscriptionInfo{
		Tier:       tier,
		ProjectID:  projectID,
		DetectedAt: time.Now().UnixMilli(),
	}
	m.saveLocked()
}

// ============================================================
// Roster management
// ============================================================

// Accounts returns a point-in-time copy of the roster.
func (m *Manager) Accounts() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Account, len(m.accounts))
	for i, a := range m.accounts {
		copied := *a
		out[i] = &copied
	}
	return out
}

// AddAccount inserts an account, replacing any existing entry for the same
// email. New accounts start enabled and valid.
func (m *Manager) AddAccount(account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account.Enabled = true
	account.Invalid = false
	account.InvalidReason = ""
	if account.ModelQuotaThresholds == nil {
		account.ModelQuotaThresholds = map[string]float64{}
	}

	for i, existing := range m.accounts {
		if existing.Email == account.Email {
			m.accounts[i] = account
			m.creds.Invalidate(account.Email)
			return m.saveNowLocked()
		}
	}

	if len(m.accounts) >= config.Get().MaxAccounts {
		return fmt.Errorf("account limit reached (%d)", config.Get().MaxAccounts)
	}
	m.accounts = append(m.accounts, account)
	return m.saveNowLocked()
}

// RemoveAccount deletes an account and all state derived from it.
func (m *Manager) RemoveAccount(email string) error {
	m.mu.Lock()
	idx := -1
	for i, a := range m.accounts {
		if a.Email == email {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("account not found: %s", email)
	}
	m.accounts = append(m.accounts[:idx], m.accounts[idx+1:]...)
	if m.cursor >= len(m.accounts) {
		m.cursor = 0
	}
	delete(m.rateLimitStreaks, email)
	err := m.saveNowLocked()
	m.mu.Unlock()

	m.creds.Invalidate(email)
	m.dropSticky(email)
	if hybrid, ok := m.strategy.(*HybridStrategy); ok {
		hybrid.Health().Reset(email)
		hybrid.Bucket().Reset(email)
	}
	return err
}

// SetEnabled toggles an account. Re-enabling also clears the invalid flag.
func (m *Manager) SetEnabled(email string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account := m.findLocked(email)
	if account == nil {
		return fmt.Errorf("account not found: %s", email)
	}
	account.Enabled = enabled
	if enabled {
		account.Invalid = false
		account.InvalidReason = ""
	}
	return m.saveNowLocked()
}

// Reload re-reads the roster from disk, keeping runtime trackers.
func (m *Manager) Reload() error {
	accounts, cursor, err := m.store.Load()
	if err != nil {
		return err
	}

	m.mu.Lock()
	previous := make(map[string]bool, len(m.accounts))
	for _, a := range m.accounts {
		previous[a.Email] = true
	}
	current := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		current[a.Email] = true
	}
	m.accounts = accounts
	m.cursor = cursor
	m.mu.Unlock()

	for email := range previous {
		if !current[email] {
			m.creds.Invalidate(email)
			m.dropSticky(email)
		}
	}
	logging.Info("Account pool reloaded: %d accounts", len(accounts))
	return nil
}

// SetStrategy swaps the selection strategy at runtime.
func (m *Manager) SetStrategy(name string) {
	cfg := config.Get()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategy = NewStrategy(name, &cfg.AccountSelection, m.quota)
	cfg.SetStrategy(m.strategy.Name())
	logging.Info("Selection strategy switched to %s", m.strategy.Name())
}

// StrategyName reports the active strategy.
func (m *Manager) StrategyName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strategy.Name()
}

// dropSticky clears conversation bindings on strategies that keep them.
// Bindings do not survive account removal; the next turn re-binds.
func (m *Manager) dropSticky(email string) {
	type stickyDropper interface{ DropSticky(string) }
	if s, ok := m.strategy.(stickyDropper); ok {
		s.DropSticky(email)
	}
}

func (m *Manager) findLocked(email string) *Account {
	for _, a := range m.accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}

// saveLocked persists best-effort; bookkeeping writes should not fail the
// request they ride on.
func (m *Manager) saveLocked() {
	if err := m.store.Save(m.accounts, m.cursor); err != nil {
		logging.Warn("Failed to persist account state: %v", err)
	}
}

func (m *Manager) saveNowLocked() error {
	return m.store.Save(m.accounts, m.cursor)
}

// ============================================================
// Status reporting
// ============================================================

// ModelLimitStatus describes one model cooldown in a status report.
type ModelLimitStatus struct {
	Limited   bool   `json:"limited"`
	ResetAt   int64  `json:"resetAt,omitempty"`
	ResetInMs int64  `json:"resetInMs,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// AccountStatus is the externally visible state of one account.
type AccountStatus struct {
	Email         string                      `json:"email"`
	Source        string                      `json:"source"`
	Enabled       bool                        `json:"enabled"`
	Invalid       bool                        `json:"invalid"`
	InvalidReason string                      `json:"invalidReason,omitempty"`
	Tier          string                      `json:"tier,omitempty"`
	Health        float64                     `json:"health,omitempty"`
	Tokens        float64                     `json:"tokens,omitempty"`
	LastUsed      int64                       `json:"lastUsed,omitempty"`
	RateLimits    map[string]ModelLimitStatus `json:"rateLimits,omitempty"`
	Quota         map[string]ModelQuotaInfo   `json:"quota,omitempty"`
}

// Status reports the full pool state for the health and limits endpoints.
func (m *Manager) Status() []AccountStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixMilli()
	out := make([]AccountStatus, 0, len(m.accounts))
	hybrid, _ := m.strategy.(*HybridStrategy)

	for _, a := range m.accounts {
		status := AccountStatus{
			Email:         a.Email,
			Source:        a.Source,
			Enabled:       a.Enabled,
			Invalid:       a.Invalid,
			InvalidReason: a.InvalidReason,
			LastUsed:      a.LastUsed,
		}
		if a.Subscription != nil {
			status.Tier = a.Subscription.Tier
		}
		if a.Quota != nil && len(a.Quota.Models) > 0 {
			status.Quota = make(map[string]ModelQuotaInfo, len(a.Quota.Models))
			for model, info := range a.Quota.Models {
				if info == nil {
					continue
				}
				status.Quota[model] = *info
			}
		}
		if hybrid != nil {
			status.Health = hybrid.Health().Score(a.Email)
			status.Tokens = hybrid.Bucket().Tokens(a.Email)
		}
		if len(a.ModelRateLimits) > 0 {
			status.RateLimits = make(map[string]ModelLimitStatus, len(a.ModelRateLimits))
			for model, info := range a.ModelRateLimits {
				if info == nil {
					continue
				}
				entry := ModelLimitStatus{Limited: info.IsRateLimited && info.ResetTime > now}
				if entry.Limited {
					entry.ResetAt = info.ResetTime
					entry.ResetInMs = info.ResetTime - now
				}
				status.RateLimits[model] = entry
			}
		}
		out = append(out, status)
	}
	return out
}
