package auth

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/logging"
)

// HostAuthStatus is the login record scraped from the host IDE's state
// database. The apiKey field holds the bearer token the IDE uses.
type HostAuthStatus struct {
	APIKey string `json:"apiKey"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// ReadHostAuthStatus reads the host IDE auth record from state.vscdb. The
// pure-Go sqlite driver keeps this working on Windows without CGO.
func ReadHostAuthStatus(dbPath string) (*HostAuthStatus, error) {
	if dbPath == "" {
		dbPath = config.HostIDEDBPath
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("host IDE database not found at %s", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open host IDE database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRow("SELECT value FROM ItemTable WHERE key = 'antigravityAuthStatus'").Scan(&value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no auth status found in host IDE database")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query host IDE database: %w", err)
	}

	var status HostAuthStatus
	if err := json.Unmarshal([]byte(value), &status); err != nil {
		return nil, fmt.Errorf("failed to parse host auth data: %w", err)
	}
	if status.APIKey == "" {
		return nil, fmt.Errorf("host auth data missing apiKey field")
	}
	return &status, nil
}

// IsHostDBAccessible reports whether the host IDE database can be opened.
func IsHostDBAccessible(dbPath string) bool {
	if dbPath == "" {
		dbPath = config.HostIDEDBPath
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false
	}
	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		logging.Debug("host IDE database open failed: %v", err)
		return false
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logging.Debug("host IDE database ping failed: %v", err)
		return false
	}
	return true
}
