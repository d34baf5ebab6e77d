package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswire-dev/crosswire/internal/apierr"
	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/pool"
)

const unaryOK = `{"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}}`

func manualAccount(email, token string) *pool.Account {
	return &pool.Account{
		Email:     email,
		Source:    pool.SourceManual,
		APIKey:    token,
		ProjectID: "proj-" + email,
	}
}

// newTestClient points the mirror list at a local server and builds a pool
// from the given accounts.
func newTestClient(t *testing.T, handler http.HandlerFunc, accounts ...*pool.Account) (*Client, *pool.Manager) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	prev := config.EndpointMirrors
	config.EndpointMirrors = []string{server.URL}
	t.Cleanup(func() { config.EndpointMirrors = prev })

	manager, err := pool.NewManager(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, err)
	for _, account := range accounts {
		require.NoError(t, manager.AddAccount(account))
	}
	return NewClient(manager), manager
}

func TestSendFailsOverToNextAccount(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer token-a" {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"details":[{"retryDelay":"60s"}]}}`))
			return
		}
		w.Write([]byte(unaryOK))
	}
	client, manager := newTestClient(t, handler,
		manualAccount("a@example.com", "token-a"),
		manualAccount("b@example.com", "token-b"))

	var usageEmail string
	var usageIn, usageOut int
	client.SetUsageFunc(func(email, model string, in, out int) {
		usageEmail, usageIn, usageOut = email, in, out
	})

	resp, err := client.Send(context.Background(), userTextRequest("hello"), false)
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "ok", resp.Content[0].Text)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 10, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)

	assert.Equal(t, "b@example.com", usageEmail)
	assert.Equal(t, 10, usageIn)
	assert.Equal(t, 5, usageOut)

	// The throttled account cools down for the advertised 60s.
	for _, status := range manager.Status() {
		if status.Email != "a@example.com" {
			continue
		}
		limit, ok := status.RateLimits["claude-sonnet-4-5"]
		require.True(t, ok)
		assert.True(t, limit.Limited)
		assert.InDelta(t, 60000, float64(limit.ResetInMs), 5000)
	}
}

func TestSendFailsFastPastWaitCeiling(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(unaryOK))
	}
	client, manager := newTestClient(t, handler, manualAccount("solo@example.com", "token-s"))

	// A three-minute cooldown is past the wait ceiling; the request must not
	// stall waiting for it.
	manager.MarkRateLimited("solo@example.com", "claude-sonnet-4-5", 180000)

	start := time.Now()
	_, err := client.Send(context.Background(), userTextRequest("hello"), false)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindCapacity))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSendWaitsOutShortCooldownOnSingleAccount(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(unaryOK))
	}
	client, manager := newTestClient(t, handler, manualAccount("solo@example.com", "token-s"))

	manager.MarkRateLimited("solo@example.com", "claude-sonnet-4-5", 1200)

	start := time.Now()
	resp, err := client.Send(context.Background(), userTextRequest("hello"), false)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content[0].Text)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestSendMarksAccountInvalidOnRevokedToken(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}
	client, manager := newTestClient(t, handler, manualAccount("solo@example.com", "token-s"))

	_, err := client.Send(context.Background(), userTextRequest("hello"), false)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindAuthInvalid))

	status := manager.Status()
	require.Len(t, status, 1)
	assert.True(t, status[0].Invalid)
	assert.NotEmpty(t, status[0].InvalidReason)
}

func TestSendSurfacesBadRequest(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"thinking.budget_tokens out of range"}}`))
	}
	client, _ := newTestClient(t, handler, manualAccount("solo@example.com", "token-s"))

	_, err := client.Send(context.Background(), userTextRequest("hello"), false)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindBadRequest))
	assert.Contains(t, err.Error(), "thinking.budget_tokens")
}

func TestSendStreamRecordsUsage(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}}` + "\n\n"))
		w.Write([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"!"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":100,"candidatesTokenCount":9,"cachedContentTokenCount":30}}}` + "\n\n"))
	}
	client, _ := newTestClient(t, handler, manualAccount("solo@example.com", "token-s"))

	var usageEmail string
	var usageIn, usageOut int
	client.SetUsageFunc(func(email, model string, in, out int) {
		usageEmail, usageIn, usageOut = email, in, out
	})

	events, errs := client.SendStream(context.Background(), userTextRequest("hello"), false)
	for range events {
	}
	require.NoError(t, <-errs)

	// The stream's accumulated totals reach the usage callback; cached
	// tokens are carved out of the input count.
	assert.Equal(t, "solo@example.com", usageEmail)
	assert.Equal(t, 70, usageIn)
	assert.Equal(t, 9, usageOut)
}

func TestSendStreamTranslatesUpstreamSSE(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "streamGenerateContent")
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}]}}` + "\n\n"))
	}
	client, _ := newTestClient(t, handler, manualAccount("solo@example.com", "token-s"))

	events, errs := client.SendStream(context.Background(), userTextRequest("hello"), false)
	var types []string
	for event := range events {
		types = append(types, event.Type)
	}
	require.NoError(t, <-errs)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)
}
