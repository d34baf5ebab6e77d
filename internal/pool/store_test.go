package pool

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreMissingFileIsEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	accounts, cursor, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, accounts)
	assert.Zero(t, cursor)
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "accounts.json"))

	oauth := &Account{
		Email:        "a@example.com",
		Source:       SourceOAuth,
		Enabled:      true,
		RefreshToken: "1//refresh|my-project",
	}
	manual := testAccount("b@example.com")
	require.NoError(t, store.Save([]*Account{oauth, manual}, 1))

	accounts, cursor, err := store.Load()
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, 1, cursor)
	assert.Equal(t, "a@example.com", accounts[0].Email)
	assert.Equal(t, "1//refresh|my-project", accounts[0].RefreshToken)
	assert.Equal(t, "token-b@example.com", accounts[1].APIKey)
	assert.NotNil(t, accounts[0].ModelQuotaThresholds)
}

func TestStoreDropsExpiredCooldowns(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	now := time.Now().UnixMilli()

	account := testAccount("a")
	account.ModelRateLimits = map[string]*RateLimitInfo{
		"stale": {IsRateLimited: true, ResetTime: now - 1000},
		"live":  {IsRateLimited: true, ResetTime: now + 60000},
	}
	require.NoError(t, store.Save([]*Account{account}, 0))

	accounts, _, err := store.Load()
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.NotContains(t, accounts[0].ModelRateLimits, "stale")
	assert.Contains(t, accounts[0].ModelRateLimits, "live")
}

func TestStoreClampsCursor(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, store.Save([]*Account{testAccount("a")}, 5))

	_, cursor, err := store.Load()
	require.NoError(t, err)
	assert.Zero(t, cursor)
}
