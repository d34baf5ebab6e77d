// Package auth implements the Google OAuth login flow (PKCE), token refresh
// for the pool's composite refresh tokens, and project discovery.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/logging"
)

// oauthConfig builds the x/oauth2 configuration for the given redirect URI.
func oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     config.OAuth.ClientID,
		ClientSecret: config.OAuth.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  config.OAuth.AuthURL,
			TokenURL: config.OAuth.TokenURL,
		},
		RedirectURL: redirectURI,
		Scopes:      config.OAuth.Scopes,
	}
}

// RefreshParts are the components of a composite refresh token, stored as
// "refreshToken|projectId|managedProjectId".
type RefreshParts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// ParseRefreshParts splits a composite refresh token.
func ParseRefreshParts(composite string) RefreshParts {
	parts := strings.Split(composite, "|")
	result := RefreshParts{RefreshToken: parts[0]}
	if len(parts) > 1 {
		result.ProjectID = parts[1]
	}
	if len(parts) > 2 {
		result.ManagedProjectID = parts[2]
	}
	return result
}

// FormatRefreshParts joins the components back into the composite form.
func FormatRefreshParts(parts RefreshParts) string {
	composite := parts.RefreshToken + "|" + parts.ProjectID
	if parts.ManagedProjectID != "" {
		composite += "|" + parts.ManagedProjectID
	}
	return composite
}

// AuthorizationURL is a started login attempt: the URL to visit plus the
// PKCE verifier and CSRF state needed to finish it.
type AuthorizationURL struct {
	URL      string
	Verifier string
	State    string
}

// NewAuthorizationURL generates the consent URL for a login attempt.
func NewAuthorizationURL(redirectURI string) (*AuthorizationURL, error) {
	if redirectURI == "" {
		redirectURI = config.OAuthRedirectURI()
	}

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	state := hex.EncodeToString(stateBytes)

	verifier := oauth2.GenerateVerifier()
	authURL := oauthConfig(redirectURI).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)

	return &AuthorizationURL{URL: authURL, Verifier: verifier, State: state}, nil
}

// Tokens is the outcome of a code exchange.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

// ExchangeCode trades an authorization code for tokens.
func ExchangeCode(ctx context.Context, code, verifier string) (*Tokens, error) {
	conf := oauthConfig(config.OAuthRedirectURI())
	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("no access token received")
	}
	expiresIn := int(time.Until(tok.Expiry).Seconds())
	return &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}

// RefreshResult is a refreshed access token.
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int
}

// RefreshAccessToken exchanges a composite refresh token for a fresh access
// token. The raw form-post is used instead of the oauth2 TokenSource because
// the stored token embeds project ids that must be stripped first, and
// callers need the invalid_grant body verbatim to detect revocation.
func RefreshAccessToken(ctx context.Context, compositeRefresh string) (*RefreshResult, error) {
	parts := ParseRefreshParts(compositeRefresh)

	data := url.Values{
		"client_id":     {config.OAuth.ClientID},
		"client_secret": {config.OAuth.ClientSecret},
		"refresh_token": {parts.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.OAuth.TokenURL,
		strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token refresh failed: %s", string(body))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	return &RefreshResult{AccessToken: result.AccessToken, ExpiresIn: result.ExpiresIn}, nil
}

// UserEmail fetches the account email for an access token.
func UserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.OAuth.UserInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to get user info: %d", resp.StatusCode)
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	return info.Email, nil
}

// CallbackServer captures the OAuth redirect on a local port, falling back
// through the configured port list when the primary is taken.
type CallbackServer struct {
	server     *http.Server
	mu         sync.Mutex
	actualPort int
	aborted    bool
	codeChan   chan string
	errChan    chan error
}

// NewCallbackServer builds the callback listener for one login attempt.
func NewCallbackServer(expectedState string) *CallbackServer {
	cs := &CallbackServer{
		actualPort: config.OAuth.CallbackPort,
		codeChan:   make(chan string, 1),
		errChan:    make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if errParam := query.Get("error"); errParam != "" {
			writeCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "Error: "+errParam)
			cs.errChan <- fmt.Errorf("OAuth error: %s", errParam)
			return
		}
		if query.Get("state") != expectedState {
			writeCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "State mismatch.")
			cs.errChan <- fmt.Errorf("state mismatch")
			return
		}
		code := query.Get("code")
		if code == "" {
			writeCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "No authorization code received.")
			cs.errChan <- fmt.Errorf("no authorization code")
			return
		}

		writeCallbackPage(w, http.StatusOK, "Authentication Successful", "You can close this window and return to the terminal.")
		cs.codeChan <- code
	})

	cs.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return cs
}

func writeCallbackPage(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<html><head><meta charset="UTF-8"><title>%s</title></head>
<body style="font-family: system-ui; padding: 40px; text-align: center;">
<h1>%s</h1><p>%s</p></body></html>`, title, title, detail)
}

// Start binds a port, serves until a code or error arrives, and returns the
// captured authorization code.
func (cs *CallbackServer) Start(ctx context.Context) (string, error) {
	ports := append([]int{config.OAuth.CallbackPort}, config.OAuth.CallbackFallbackPorts...)

	var lastErr error
	for _, port := range ports {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			lastErr = err
			logging.Warn("OAuth callback port %d unavailable: %v", port, err)
			continue
		}
		cs.actualPort = port
		if port != config.OAuth.CallbackPort {
			logging.Warn("OAuth primary port %d unavailable, using fallback %d", config.OAuth.CallbackPort, port)
		} else {
			logging.Info("OAuth callback server listening on port %d", port)
		}

		go func() {
			if err := cs.server.Serve(listener); err != nil && err != http.ErrServerClosed {
				cs.errChan <- err
			}
		}()

		defer cs.server.Shutdown(context.Background())
		select {
		case code := <-cs.codeChan:
			return code, nil
		case err := <-cs.errChan:
			return "", err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("failed to start OAuth callback server: %v", lastErr)
}

// Port reports the port actually bound.
func (cs *CallbackServer) Port() int {
	return cs.actualPort
}

// Abort shuts the listener down, for manual-paste completion.
func (cs *CallbackServer) Abort() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.aborted {
		return
	}
	cs.aborted = true
	if cs.server != nil {
		cs.server.Shutdown(context.Background())
	}
}

// FlowResult is a completed login: everything needed to add the account.
type FlowResult struct {
	Email        string
	RefreshToken string
	AccessToken  string
	ProjectID    string
}

// CompleteFlow exchanges the code, resolves the email and discovers the
// account's project.
func CompleteFlow(ctx context.Context, code, verifier string) (*FlowResult, error) {
	tokens, err := ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, err
	}
	email, err := UserEmail(ctx, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get user email: %w", err)
	}
	projectID, _ := DiscoverProjectID(ctx, tokens.AccessToken)

	return &FlowResult{
		Email:        email,
		RefreshToken: tokens.RefreshToken,
		AccessToken:  tokens.AccessToken,
		ProjectID:    projectID,
	}, nil
}
