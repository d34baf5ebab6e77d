package pool

import (
	"time"

	"github.com/crosswire-dev/crosswire/internal/logging"
)

// RoundRobinStrategy rotates to the next account on every request for
// maximum throughput. It ignores health and token budgets and only skips
// accounts that are hard-unusable or quota-critical.
type RoundRobinStrategy struct {
	quota *QuotaTracker
}

// NewRoundRobinStrategy builds the rotation strategy.
func NewRoundRobinStrategy(quota *QuotaTracker) *RoundRobinStrategy {
	return &RoundRobinStrategy{quota: quota}
}

// Name identifies the strategy.
func (s *RoundRobinStrategy) Name() string { return "round-robin" }

// Select picks the first usable account after the cursor.
func (s *RoundRobinStrategy) Select(accounts []*Account, model string, opts SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{Index: 0}
	}

	cursor := opts.Cursor
	if cursor < 0 || cursor >= len(accounts) {
		cursor = 0
	}
	now := time.Now().UnixMilli()

	start := (cursor + 1) % len(accounts)
	for i := 0; i < len(accounts); i++ {
		idx := (start + i) % len(accounts)
		account := accounts[idx]

		if !account.Usable(model, now) {
			continue
		}
		if s.quota.IsCritical(account, model) {
			continue
		}

		account.LastUsed = now
		if opts.OnPick != nil {
			opts.OnPick(account, idx)
		}
		logging.Debug("[round-robin] using %s (%d/%d)", account.Email, idx+1, len(accounts))
		return &SelectionResult{Account: account, Index: idx}
	}

	return &SelectionResult{Index: cursor}
}

// OnSuccess is a no-op; rotation keeps no per-account state.
func (s *RoundRobinStrategy) OnSuccess(account *Account, model string) {}

// OnRateLimit is a no-op.
func (s *RoundRobinStrategy) OnRateLimit(account *Account, model string) {}

// OnFailure is a no-op.
func (s *RoundRobinStrategy) OnFailure(account *Account, model string) {}
