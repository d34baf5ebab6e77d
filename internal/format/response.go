package format

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/pkg/anthropic"
)

// NewMessageID generates an Anthropic-style message id.
func NewMessageID() string {
	return "msg_" + randomHex(16)
}

// NewToolUseID generates a tool_use id for calls the upstream left unnamed.
func NewToolUseID() string {
	return "toolu_" + randomHex(12)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// ConvertGoogleToAnthropic translates a unary Google response into a
// Messages API response for the requested model. Signatures observed on the
// way out are recorded in the cache so later requests can restore them.
func ConvertGoogleToAnthropic(resp *GoogleResponse, model string) *anthropic.MessagesResponse {
	family := config.GetModelFamily(model)
	candidates, usage := resp.Unwrap()

	out := &anthropic.MessagesResponse{
		ID:    NewMessageID(),
		Type:  "message",
		Role:  "assistant",
		Model: model,
	}

	hasToolCalls := false
	finishReason := ""
	for _, cand := range candidates {
		if cand.FinishReason != "" {
			finishReason = cand.FinishReason
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if block, ok := convertPart(part, family); ok {
				if block.Type == "tool_use" {
					hasToolCalls = true
				}
				out.Content = append(out.Content, block)
			}
		}
	}

	if len(out.Content) == 0 {
		out.Content = []anthropic.ContentBlock{{Type: "text", Text: ""}}
	}

	out.StopReason = mapStopReason(finishReason, hasToolCalls)
	out.Usage = convertUsage(usage)
	return out
}

// convertPart maps one Google part onto an Anthropic content block.
func convertPart(part GooglePart, family config.ModelFamily) (anthropic.ContentBlock, bool) {
	switch {
	case part.Thought:
		block := anthropic.ContentBlock{
			Type:      "thinking",
			Thinking:  part.Text,
			Signature: part.ThoughtSignature,
		}
		if len(part.ThoughtSignature) >= config.MinSignatureLength {
			Cache().CacheThinkingSignature(part.ThoughtSignature, family)
		}
		return block, true

	case part.FunctionCall != nil:
		id := part.FunctionCall.ID
		if id == "" {
			id = NewToolUseID()
		}
		input, err := json.Marshal(part.FunctionCall.Args)
		if err != nil || part.FunctionCall.Args == nil {
			input = []byte("{}")
		}
		if part.ThoughtSignature != "" {
			Cache().CacheToolSignature(id, part.ThoughtSignature)
		}
		return anthropic.ContentBlock{
			Type:             "tool_use",
			ID:               id,
			Name:             part.FunctionCall.Name,
			Input:            input,
			ThoughtSignature: part.ThoughtSignature,
		}, true

	case part.InlineData != nil:
		return anthropic.ContentBlock{
			Type: "image",
			Source: &anthropic.ImageSource{
				Type:      "base64",
				MediaType: part.InlineData.MimeType,
				Data:      part.InlineData.Data,
			},
		}, true

	case part.Text != "":
		return anthropic.ContentBlock{Type: "text", Text: part.Text}, true
	}
	return anthropic.ContentBlock{}, false
}

// mapStopReason translates the upstream finish reason. A response carrying
// tool calls always stops for tool_use regardless of what the upstream says.
func mapStopReason(finishReason string, hasToolCalls bool) string {
	if hasToolCalls || finishReason == "TOOL_USE" {
		return "tool_use"
	}
	switch finishReason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

// convertUsage splits the upstream prompt count into fresh and cached input.
func convertUsage(usage *UsageMetadata) *anthropic.Usage {
	if usage == nil {
		return &anthropic.Usage{}
	}
	cached := usage.CachedContentTokenCount
	input := usage.PromptTokenCount - cached
	if input < 0 {
		input = 0
	}
	return &anthropic.Usage{
		InputTokens:          input,
		OutputTokens:         usage.CandidatesTokenCount,
		CacheReadInputTokens: cached,
	}
}

// IsEmptyResponse reports whether the upstream produced no usable output:
// no text, no tool call, no thinking. Such responses are retried.
func IsEmptyResponse(resp *GoogleResponse) bool {
	candidates, _ := resp.Unwrap()
	for _, cand := range candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" || part.FunctionCall != nil || part.InlineData != nil {
				return false
			}
		}
	}
	return true
}
