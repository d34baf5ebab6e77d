package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/logging"
)

const storeVersion = 1

// storeFile is the on-disk shape of accounts.json.
type storeFile struct {
	Version  int           `json:"version"`
	Settings storeSettings `json:"settings"`
	Accounts []*Account    `json:"accounts"`
}

type storeSettings struct {
	Cursor int `json:"cursor"`
}

// Store persists the roster to accounts.json with atomic writes, so a crash
// mid-save never leaves a truncated file behind.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore builds a store at the given path, defaulting to the configured
// account file location.
func NewStore(path string) *Store {
	if path == "" {
		path = config.AccountConfigPath
	}
	return &Store{path: path}
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the roster. A missing file yields an empty roster; expired
// rate-limit entries are dropped and the cursor is clamped on the way in.
func (s *Store) Load() ([]*Account, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return []*Account{}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read account file: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, 0, fmt.Errorf("failed to parse account file %s: %w", s.path, err)
	}

	accounts := file.Accounts
	if accounts == nil {
		accounts = []*Account{}
	}
	if max := config.Get().MaxAccounts; len(accounts) > max {
		logging.Warn("Account file lists %d accounts, keeping the first %d", len(accounts), max)
		accounts = accounts[:max]
	}

	now := time.Now().UnixMilli()
	for _, account := range accounts {
		account.ClearExpiredRateLimits(now)
		if account.ModelQuotaThresholds == nil {
			account.ModelQuotaThresholds = map[string]float64{}
		}
	}

	cursor := file.Settings.Cursor
	if cursor < 0 || cursor >= len(accounts) {
		cursor = 0
	}
	return accounts, cursor, nil
}

// Save writes the roster atomically: marshal to a temp file in the same
// directory, then rename over the target.
func (s *Store) Save(accounts []*Account, cursor int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := storeFile{
		Version:  storeVersion,
		Settings: storeSettings{Cursor: cursor},
		Accounts: accounts,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode account file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp account file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write account file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close account file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace account file: %w", err)
	}
	return nil
}
