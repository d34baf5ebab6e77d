package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/pool"
	"github.com/crosswire-dev/crosswire/internal/upstream"
)

const messagesBody = `{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":[{"type":"text","text":"hello"}]}]}`

func newTestServer(t *testing.T, accounts ...*pool.Account) (*Server, *pool.Manager) {
	t.Helper()
	manager, err := pool.NewManager(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, err)
	for _, account := range accounts {
		require.NoError(t, manager.AddAccount(account))
	}
	return New(manager, upstream.NewClient(manager), nil), manager
}

func manualAccount(email string) *pool.Account {
	return &pool.Account{
		Email:     email,
		Source:    pool.SourceManual,
		APIKey:    "token-" + email,
		ProjectID: "proj-1",
	}
}

// useMirror points both upstream endpoint lists at a local stub.
func useMirror(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	stub := httptest.NewServer(handler)
	t.Cleanup(stub.Close)

	prevMirrors := config.EndpointMirrors
	prevLoad := config.LoadCodeAssistEndpoints
	config.EndpointMirrors = []string{stub.URL}
	config.LoadCodeAssistEndpoints = []string{stub.URL}
	t.Cleanup(func() {
		config.EndpointMirrors = prevMirrors
		config.LoadCodeAssistEndpoints = prevLoad
	})
}

func do(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type errorEnvelope struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Strategy string `json:"strategy"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status, "no enabled accounts")
	assert.Equal(t, config.Version, body.Version)
	assert.NotEmpty(t, body.Strategy)

	s, _ = newTestServer(t, manualAccount("a@example.com"))
	rec = do(s, http.MethodGet, "/health", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestMessagesRejectsInvalidJSON(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodPost, "/v1/messages", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_error", decodeError(t, rec).Error.Type)
}

func TestMessagesRejectsEmptyMessages(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_error", decodeError(t, rec).Error.Type)
}

func TestMessagesWithoutAccounts(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodPost, "/v1/messages", messagesBody, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "api_error", decodeError(t, rec).Error.Type)
}

func TestMessagesEndToEnd(t *testing.T) {
	useMirror(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "generateContent") {
			w.Write([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}}`))
			return
		}
		// Catalog lookups and anything else: an empty object keeps model
		// validation failing open.
		w.Write([]byte(`{}`))
	})
	s, _ := newTestServer(t, manualAccount("a@example.com"))

	rec := do(s, http.MethodPost, "/v1/messages", messagesBody, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Role       string `json:"role"`
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "assistant", resp.Role)
	assert.Equal(t, "end_turn", resp.StopReason)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "ok", resp.Content[0].Text)
}

func TestMessagesStreamEndToEnd(t *testing.T) {
	useMirror(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "streamGenerateContent") {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Write([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}]}}` + "\n\n"))
			return
		}
		w.Write([]byte(`{}`))
	})
	s, _ := newTestServer(t, manualAccount("a@example.com"))

	streamBody := strings.Replace(messagesBody, `"max_tokens":100`, `"max_tokens":100,"stream":true`, 1)
	rec := do(s, http.MethodPost, "/v1/messages", streamBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, rec.Body.String(), "event: message_start")
	assert.Contains(t, rec.Body.String(), "event: message_stop")
}

func TestCountTokensNotImplemented(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodPost, "/v1/messages/count_tokens", messagesBody, nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, "api_error", decodeError(t, rec).Error.Type)
}

func TestModelsWithoutAccounts(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodGet, "/definitely-not-a-route", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found_error", decodeError(t, rec).Error.Type)
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := config.Get()
	prev := cfg.APIKey
	cfg.APIKey = "sekrit"
	t.Cleanup(func() { cfg.APIKey = prev })

	s, _ := newTestServer(t)

	rec := do(s, http.MethodGet, "/account-limits", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "authentication_error", decodeError(t, rec).Error.Type)

	rec = do(s, http.MethodGet, "/account-limits", "", map[string]string{"x-api-key": "sekrit"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/account-limits", "", map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Liveness stays open.
	rec = do(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAccountLimits(t *testing.T) {
	useMirror(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "loadCodeAssist"):
			w.Write([]byte(`{"paidTier":{"id":"standard-tier"},"cloudaicompanionProject":"proj-quota"}`))
		case strings.Contains(r.URL.Path, "fetchAvailableModels"):
			w.Write([]byte(`{"models":{"claude-sonnet-4-5":{"displayName":"Sonnet","quotaInfo":{"remainingFraction":0.25,"resetTime":"2026-08-26T00:00:00Z"}}}}`))
		default:
			w.Write([]byte(`{}`))
		}
	})
	s, manager := newTestServer(t, manualAccount("a@example.com"))
	manager.MarkRateLimited("a@example.com", "claude-sonnet-4-5", 30000)

	rec := do(s, http.MethodGet, "/account-limits", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Strategy string               `json:"strategy"`
		Accounts []pool.AccountStatus `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Strategy)
	require.Len(t, body.Accounts, 1)
	limit, ok := body.Accounts[0].RateLimits["claude-sonnet-4-5"]
	require.True(t, ok)
	assert.True(t, limit.Limited)

	// The handler refreshed tier and quota from upstream and pushed them
	// into the pool before reporting.
	assert.Equal(t, "pro", body.Accounts[0].Tier)
	quota, ok := body.Accounts[0].Quota["claude-sonnet-4-5"]
	require.True(t, ok)
	assert.InDelta(t, 0.25, quota.RemainingFraction, 0.0001)

	live := manager.Accounts()[0]
	require.NotNil(t, live.Subscription)
	assert.Equal(t, "pro", live.Subscription.Tier)
	assert.Equal(t, "proj-quota", live.Subscription.ProjectID)
	require.NotNil(t, live.Quota)
	require.Contains(t, live.Quota.Models, "claude-sonnet-4-5")
}

func TestAccountLimitsDeprioritizesDepletedAccount(t *testing.T) {
	useMirror(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "loadCodeAssist"):
			w.Write([]byte(`{"paidTier":{"id":"free-tier"},"cloudaicompanionProject":"proj-quota"}`))
		case strings.Contains(r.URL.Path, "fetchAvailableModels"):
			// a@ is out of quota (reset time with no remaining fraction);
			// b@ has plenty left.
			if strings.Contains(r.Header.Get("Authorization"), "token-a@") {
				w.Write([]byte(`{"models":{"claude-sonnet-4-5":{"quotaInfo":{"resetTime":"2026-08-26T00:00:00Z"}}}}`))
				return
			}
			w.Write([]byte(`{"models":{"claude-sonnet-4-5":{"quotaInfo":{"remainingFraction":0.9}}}}`))
		default:
			w.Write([]byte(`{}`))
		}
	})
	threshold := 0.05
	depleted := manualAccount("a@example.com")
	depleted.QuotaThreshold = &threshold
	s, manager := newTestServer(t, depleted, manualAccount("b@example.com"))

	rec := do(s, http.MethodGet, "/account-limits", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sel, err := manager.Select(context.Background(), "claude-sonnet-4-5", "")
	require.NoError(t, err)
	require.NotNil(t, sel.Account)
	assert.Equal(t, "b@example.com", sel.Account.Email)
}

func TestOperationalEndpoints(t *testing.T) {
	s, _ := newTestServer(t, manualAccount("a@example.com"))

	rec := do(s, http.MethodPost, "/accounts/reload", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodPost, "/refresh-token", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodPost, "/test/clear-signature-cache", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// No redis configured: usage reports an empty day rather than failing.
	rec = do(s, http.MethodGet, "/usage?day=2026-01-01", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
