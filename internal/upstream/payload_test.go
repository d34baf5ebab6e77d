package upstream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/pkg/anthropic"
)

func userTextRequest(text string) *anthropic.MessagesRequest {
	return &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		Messages: []anthropic.Message{
			{
				Role:    "user",
				Content: anthropic.MessageContent{{Type: "text", Text: text}},
			},
		},
	}
}

func TestSessionFingerprintIsStable(t *testing.T) {
	a := SessionFingerprint(userTextRequest("plan my trip"))
	b := SessionFingerprint(userTextRequest("plan my trip"))
	assert.Equal(t, a, b)

	c := SessionFingerprint(userTextRequest("something else entirely"))
	assert.NotEqual(t, a, c)
}

func TestSessionFingerprintWithoutUserTextIsStable(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		Messages: []anthropic.Message{
			{Role: "assistant", Content: anthropic.MessageContent{{Type: "text", Text: "hi"}}},
		},
	}

	// Requests without user text share one fixed bucket so sticky bindings
	// still apply to them.
	a := SessionFingerprint(req)
	assert.Equal(t, a, SessionFingerprint(req))
	assert.Equal(t, a, SessionFingerprint(&anthropic.MessagesRequest{Model: "gemini-3-pro"}))
	assert.NotEqual(t, a, SessionFingerprint(userTextRequest("hello")))
}

func TestBuildPayloadEnvelope(t *testing.T) {
	req := userTextRequest("hello")

	payload := BuildPayload(req, "claude-sonnet-4-5", "proj-123")
	require.NotNil(t, payload.Request)
	assert.Equal(t, "proj-123", payload.Project)
	assert.Equal(t, "claude-sonnet-4-5", payload.Model)
	assert.Equal(t, "antigravity", payload.UserAgent)
	assert.Equal(t, "agent", payload.RequestType)
	assert.True(t, strings.HasPrefix(payload.RequestID, "agent-"))
	assert.NotEmpty(t, payload.Request.SessionID)

	// Each call gets a fresh session; the upstream treats sessionId as an
	// opaque per-request token.
	other := BuildPayload(req, "claude-sonnet-4-5", "proj-123")
	assert.NotEqual(t, payload.Request.SessionID, other.Request.SessionID)
	assert.NotEqual(t, payload.RequestID, other.RequestID)
}

func TestBuildHeaders(t *testing.T) {
	headers := BuildHeaders("tok-abc", "claude-sonnet-4-5-thinking", "text/event-stream")
	assert.Equal(t, "Bearer tok-abc", headers["Authorization"])
	assert.Equal(t, "application/json", headers["Content-Type"])
	assert.Equal(t, "text/event-stream", headers["Accept"])
	assert.Equal(t, config.InterleavedThinkingBeta, headers["anthropic-beta"])

	headers = BuildHeaders("tok-abc", "gemini-3-pro", "application/json")
	assert.NotContains(t, headers, "anthropic-beta")
	assert.NotContains(t, headers, "Accept")
}
