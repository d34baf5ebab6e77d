package pool

import (
	"sync"
	"time"

	"github.com/crosswire-dev/crosswire/internal/config"
)

// SelectOptions carries per-call inputs into a strategy.
type SelectOptions struct {
	// Cursor is the roster position of the last pick, for rotation.
	Cursor int
	// Fingerprint identifies the conversation for sticky selection.
	Fingerprint string
	// OnPick runs after a successful pick, before the result is returned.
	OnPick func(*Account, int)
}

// SelectionResult is a strategy's pick. A nil Account with a positive WaitMs
// means "nothing now, retry after the wait".
type SelectionResult struct {
	Account *Account
	Index   int
	WaitMs  int64
}

// Strategy decides which account serves the next request and hears about
// outcomes so it can adjust.
type Strategy interface {
	Name() string
	Select(accounts []*Account, model string, opts SelectOptions) *SelectionResult
	OnSuccess(account *Account, model string)
	OnRateLimit(account *Account, model string)
	OnFailure(account *Account, model string)
}

// NewStrategy builds the named strategy, falling back to the default for
// unknown names.
func NewStrategy(name string, cfg *config.AccountSelectionConfig, quota *QuotaTracker) Strategy {
	switch name {
	case "sticky":
		return NewStickyStrategy(quota)
	case "round-robin":
		return NewRoundRobinStrategy(quota)
	default:
		return NewHybridStrategy(cfg, quota)
	}
}

// stickyTable binds conversation fingerprints to account emails so follow-up
// turns land on the account that holds the prompt cache.
type stickyTable struct {
	mu       sync.Mutex
	bindings map[string]stickyBinding
	ttl      time.Duration
}

type stickyBinding struct {
	email    string
	lastSeen time.Time
}

func newStickyTable(ttl time.Duration) *stickyTable {
	return &stickyTable{
		bindings: make(map[string]stickyBinding),
		ttl:      ttl,
	}
}

// Lookup returns the bound email for a fingerprint, "" when unbound or
// expired.
func (s *stickyTable) Lookup(fingerprint string) string {
	if fingerprint == "" {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	binding, ok := s.bindings[fingerprint]
	if !ok {
		return ""
	}
	if time.Since(binding.lastSeen) > s.ttl {
		delete(s.bindings, fingerprint)
		return ""
	}
	return binding.email
}

// Bind records (or refreshes) a fingerprint's account.
func (s *stickyTable) Bind(fingerprint, email string) {
	if fingerprint == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[fingerprint] = stickyBinding{email: email, lastSeen: time.Now()}
	// Opportunistic sweep so the table does not grow without bound.
	if len(s.bindings) > 10000 {
		cutoff := time.Now().Add(-s.ttl)
		for fp, b := range s.bindings {
			if b.lastSeen.Before(cutoff) {
				delete(s.bindings, fp)
			}
		}
	}
}

// DropAccount removes every binding pointing at an account, used when the
// account leaves the roster or goes invalid.
func (s *stickyTable) DropAccount(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fp, b := range s.bindings {
		if b.email == email {
			delete(s.bindings, fp)
		}
	}
}
