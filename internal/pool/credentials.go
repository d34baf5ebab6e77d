package pool

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/crosswire-dev/crosswire/internal/auth"
	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/logging"
)

type cachedToken struct {
	token     string
	fetchedAt time.Time
}

type refreshFlight struct {
	done  chan struct{}
	token string
	err   error
}

// credentialCache caches access tokens and discovered project ids per
// account. Refreshes are single-flight: concurrent requests for the same
// account share one upstream call instead of racing the token endpoint.
type credentialCache struct {
	mu       sync.Mutex
	tokens   map[string]cachedToken
	projects map[string]string
	inflight map[string]*refreshFlight
}

func newCredentialCache() *credentialCache {
	return &credentialCache{
		tokens:   make(map[string]cachedToken),
		projects: make(map[string]string),
		inflight: make(map[string]*refreshFlight),
	}
}

// Token returns a valid access token for the account, refreshing when the
// cached one has aged out.
func (c *credentialCache) Token(ctx context.Context, account *Account) (string, error) {
	// Manual accounts carry the bearer token directly.
	if account.Source == SourceManual && account.APIKey != "" {
		return account.APIKey, nil
	}

	ttl := time.Duration(config.TokenCacheTTLMs) * time.Millisecond

	c.mu.Lock()
	if cached, ok := c.tokens[account.Email]; ok && time.Since(cached.fetchedAt) < ttl {
		c.mu.Unlock()
		return cached.token, nil
	}
	if flight, ok := c.inflight[account.Email]; ok {
		c.mu.Unlock()
		select {
		case <-flight.done:
			return flight.token, flight.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	flight := &refreshFlight{done: make(chan struct{})}
	c.inflight[account.Email] = flight
	c.mu.Unlock()

	token, err := c.fetch(ctx, account)

	c.mu.Lock()
	delete(c.inflight, account.Email)
	if err == nil {
		c.tokens[account.Email] = cachedToken{token: token, fetchedAt: time.Now()}
	}
	c.mu.Unlock()

	flight.token, flight.err = token, err
	close(flight.done)
	return token, err
}

func (c *credentialCache) fetch(ctx context.Context, account *Account) (string, error) {
	switch account.Source {
	case SourceDatabase:
		status, err := auth.ReadHostAuthStatus("")
		if err != nil {
			return "", err
		}
		return status.APIKey, nil
	default:
		result, err := auth.RefreshAccessToken(ctx, account.RefreshToken)
		if err != nil {
			return "", err
		}
		return result.AccessToken, nil
	}
}

// ProjectID resolves the companion project for the account: explicit
// configuration wins, then the cached discovery, then a live discovery, and
// finally the shared default project.
func (c *credentialCache) ProjectID(ctx context.Context, account *Account, token string) string {
	if account.ProjectID != "" {
		return account.ProjectID
	}
	if account.ManagedProjectID != "" {
		return account.ManagedProjectID
	}

	c.mu.Lock()
	if project, ok := c.projects[account.Email]; ok {
		c.mu.Unlock()
		return project
	}
	c.mu.Unlock()

	project, err := auth.DiscoverProjectID(ctx, token)
	if err != nil || project == "" {
		logging.Debug("Project discovery for %s fell back to default: %v", account.Email, err)
		return config.DefaultProjectID
	}

	c.mu.Lock()
	c.projects[account.Email] = project
	c.mu.Unlock()
	return project
}

// Invalidate drops the cached token and project for an account, forcing a
// refresh on the next request.
func (c *credentialCache) Invalidate(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, email)
	delete(c.projects, email)
}

// InvalidateAll clears every cached credential.
func (c *credentialCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = make(map[string]cachedToken)
	c.projects = make(map[string]string)
}

// isRevocationError reports whether a refresh failure means the grant is
// permanently dead rather than transiently unreachable.
func isRevocationError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "token has been expired or revoked") ||
		strings.Contains(msg, "token has been revoked")
}
