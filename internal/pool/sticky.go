package pool

import (
	"time"

	"github.com/crosswire-dev/crosswire/internal/logging"
)

// StickyStrategy routes repeated turns of a conversation to the same
// account to keep the upstream prompt cache warm. Unbound conversations get
// the lowest-indexed usable account.
type StickyStrategy struct {
	quota    *QuotaTracker
	bindings *stickyTable
}

// NewStickyStrategy builds the sticky strategy.
func NewStickyStrategy(quota *QuotaTracker) *StickyStrategy {
	return &StickyStrategy{
		quota:    quota,
		bindings: newStickyTable(30 * time.Minute),
	}
}

// Name identifies the strategy.
func (s *StickyStrategy) Name() string { return "sticky" }

// DropSticky clears conversation bindings for a departed account.
func (s *StickyStrategy) DropSticky(email string) { s.bindings.DropAccount(email) }

// Select prefers the conversation's bound account, then the first usable one.
func (s *StickyStrategy) Select(accounts []*Account, model string, opts SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{Index: 0}
	}
	now := time.Now().UnixMilli()

	pick := func(account *Account, idx int) *SelectionResult {
		account.LastUsed = now
		s.bindings.Bind(opts.Fingerprint, account.Email)
		if opts.OnPick != nil {
			opts.OnPick(account, idx)
		}
		return &SelectionResult{Account: account, Index: idx}
	}

	boundIdx := -1
	if bound := s.bindings.Lookup(opts.Fingerprint); bound != "" {
		for idx, account := range accounts {
			if account.Email != bound {
				continue
			}
			if account.Usable(model, now) && !s.quota.IsCritical(account, model) {
				logging.Debug("[sticky] conversation stays on %s", account.Email)
				return pick(account, idx)
			}
			if account.Usable(model, now) {
				boundIdx = idx
			}
			break
		}
	}

	for idx, account := range accounts {
		if account.Usable(model, now) && !s.quota.IsCritical(account, model) {
			return pick(account, idx)
		}
	}

	// Every usable account is quota-critical; serve the request anyway rather
	// than fail it, keeping the conversation's binding when it is still usable.
	if boundIdx >= 0 {
		logging.Warn("[sticky] quota-critical bypass keeps %s", accounts[boundIdx].Email)
		return pick(accounts[boundIdx], boundIdx)
	}
	for idx, account := range accounts {
		if account.Usable(model, now) {
			logging.Warn("[sticky] quota-critical bypass selects %s", account.Email)
			return pick(account, idx)
		}
	}
	return &SelectionResult{Index: opts.Cursor}
}

// OnSuccess is a no-op; sticky keeps no scoring state.
func (s *StickyStrategy) OnSuccess(account *Account, model string) {}

// OnRateLimit is a no-op.
func (s *StickyStrategy) OnRateLimit(account *Account, model string) {}

// OnFailure is a no-op.
func (s *StickyStrategy) OnFailure(account *Account, model string) {}
