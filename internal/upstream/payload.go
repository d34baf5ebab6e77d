package upstream

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/format"
	"github.com/crosswire-dev/crosswire/pkg/anthropic"
)

// Payload is the Cloud Code request envelope.
type Payload struct {
	Project     string                `json:"project"`
	Model       string                `json:"model"`
	Request     *format.GoogleRequest `json:"request"`
	UserAgent   string                `json:"userAgent"`
	RequestType string                `json:"requestType"`
	RequestID   string                `json:"requestId"`
}

// BuildPayload wraps a translated request in the Cloud Code envelope for the
// given model and project.
func BuildPayload(req *anthropic.MessagesRequest, model, projectID string) *Payload {
	googleReq := format.ConvertAnthropicToGoogle(req, model)
	googleReq.SessionID = uuid.NewString()

	return &Payload{
		Project:     projectID,
		Model:       model,
		Request:     googleReq,
		UserAgent:   "antigravity",
		RequestType: "agent",
		RequestID:   "agent-" + uuid.NewString(),
	}
}

// BuildHeaders assembles the request headers for one upstream call.
func BuildHeaders(token, model, accept string) map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}
	for k, v := range config.ServiceHeaders() {
		headers[k] = v
	}
	if config.GetModelFamily(model) == config.ModelFamilyClaude && config.IsThinkingModel(model) {
		headers["anthropic-beta"] = config.InterleavedThinkingBeta
	}
	if accept != "" && accept != "application/json" {
		headers["Accept"] = accept
	}
	return headers
}

// emptyConversationFingerprint buckets requests that carry no user text.
// Derived from the empty hash, never from random state, so such requests
// still share one sticky binding.
var emptyConversationFingerprint = func() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:16])
}()

// SessionFingerprint derives a stable fingerprint from the first user
// message, used for sticky account selection so a conversation keeps
// hitting the same prompt cache.
func SessionFingerprint(req *anthropic.MessagesRequest) string {
	for _, msg := range req.Messages {
		if msg.Role != "user" {
			continue
		}
		text := ""
		for _, block := range msg.Content {
			if block.Type == "text" && block.Text != "" {
				if text != "" {
					text += "\n"
				}
				text += block.Text
			}
		}
		if text == "" {
			break
		}
		sum := sha256.Sum256([]byte(text))
		return hex.EncodeToString(sum[:16])
	}
	return emptyConversationFingerprint
}
