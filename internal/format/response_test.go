package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswire-dev/crosswire/internal/config"
)

func parseResponse(t *testing.T, body string) *GoogleResponse {
	t.Helper()
	resp, err := ParseGoogleResponse([]byte(body))
	require.NoError(t, err)
	return resp
}

func TestConvertUnaryResponse(t *testing.T) {
	resp := parseResponse(t, `{"response":{
		"candidates":[{"content":{"parts":[{"text":"hello"}]},"finishReason":"STOP"}],
		"usageMetadata":{"promptTokenCount":100,"candidatesTokenCount":7,"cachedContentTokenCount":30}
	}}`)
	out := ConvertGoogleToAnthropic(resp, "claude-sonnet-4-5")

	assert.True(t, strings.HasPrefix(out.ID, "msg_"))
	assert.Equal(t, "message", out.Type)
	assert.Equal(t, "assistant", out.Role)
	assert.Equal(t, "claude-sonnet-4-5", out.Model)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "hello", out.Content[0].Text)
	assert.Equal(t, "end_turn", out.StopReason)

	// input_tokens excludes the cached portion of the prompt.
	require.NotNil(t, out.Usage)
	assert.Equal(t, 70, out.Usage.InputTokens)
	assert.Equal(t, 30, out.Usage.CacheReadInputTokens)
	assert.Equal(t, 7, out.Usage.OutputTokens)
}

func TestConvertToolCallResponse(t *testing.T) {
	sig := strings.Repeat("t", 60) + "-toolresp"
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content: &GoogleContent{Parts: []GooglePart{
				{Text: "checking"},
				{
					FunctionCall:     &FunctionCall{Name: "get_weather", Args: map[string]interface{}{"city": "Berlin"}},
					ThoughtSignature: sig,
				},
			}},
			FinishReason: "STOP",
		}},
	}
	out := ConvertGoogleToAnthropic(resp, "gemini-3-flash")

	require.Len(t, out.Content, 2)
	tool := out.Content[1]
	assert.Equal(t, "tool_use", tool.Type)
	assert.True(t, strings.HasPrefix(tool.ID, "toolu_"), "upstream sent no id, one is generated")
	assert.Equal(t, "get_weather", tool.Name)
	assert.JSONEq(t, `{"city":"Berlin"}`, string(tool.Input))

	// Tool calls override whatever the upstream claimed.
	assert.Equal(t, "tool_use", out.StopReason)

	// The part signature is remembered for the follow-up request.
	assert.Equal(t, sig, Cache().ToolSignature(tool.ID))
}

func TestConvertThinkingResponseTagsFamily(t *testing.T) {
	sig := strings.Repeat("t", 60) + "-thinkresp"
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content: &GoogleContent{Parts: []GooglePart{
				{Text: "pondering", Thought: true, ThoughtSignature: sig},
				{Text: "answer"},
			}},
			FinishReason: "STOP",
		}},
	}
	out := ConvertGoogleToAnthropic(resp, "gemini-3-flash")

	require.Len(t, out.Content, 2)
	assert.Equal(t, "thinking", out.Content[0].Type)
	assert.Equal(t, "pondering", out.Content[0].Thinking)
	assert.Equal(t, sig, out.Content[0].Signature)
	assert.Equal(t, config.ModelFamilyGemini, Cache().ThinkingFamily(sig))
}

func TestConvertStopReasons(t *testing.T) {
	for reason, want := range map[string]string{
		"MAX_TOKENS": "max_tokens",
		"TOOL_USE":   "tool_use",
		"STOP":       "end_turn",
		"":           "end_turn",
		"OTHER":      "end_turn",
	} {
		resp := &GoogleResponse{
			Candidates: []Candidate{{
				Content:      &GoogleContent{Parts: []GooglePart{{Text: "x"}}},
				FinishReason: reason,
			}},
		}
		out := ConvertGoogleToAnthropic(resp, "claude-sonnet-4-5")
		assert.Equal(t, want, out.StopReason, "finishReason %q", reason)
	}
}

func TestConvertResponseWithoutCandidates(t *testing.T) {
	out := ConvertGoogleToAnthropic(&GoogleResponse{}, "claude-sonnet-4-5")

	require.Len(t, out.Content, 1)
	assert.Equal(t, "text", out.Content[0].Type)
	assert.Empty(t, out.Content[0].Text)
	assert.Equal(t, "end_turn", out.StopReason)
	require.NotNil(t, out.Usage)
	assert.Zero(t, out.Usage.InputTokens)
}

func TestConvertUsageNeverNegative(t *testing.T) {
	resp := parseResponse(t, `{"candidates":[{"content":{"parts":[{"text":"x"}]}}],
		"usageMetadata":{"promptTokenCount":10,"cachedContentTokenCount":25}}`)
	out := ConvertGoogleToAnthropic(resp, "claude-sonnet-4-5")
	assert.Zero(t, out.Usage.InputTokens)
	assert.Equal(t, 25, out.Usage.CacheReadInputTokens)
}

func TestIsEmptyResponse(t *testing.T) {
	assert.True(t, IsEmptyResponse(parseResponse(t, `{}`)))
	assert.True(t, IsEmptyResponse(parseResponse(t,
		`{"candidates":[{"content":{"parts":[]}}]}`)))
	assert.False(t, IsEmptyResponse(parseResponse(t,
		`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`)))
	assert.False(t, IsEmptyResponse(parseResponse(t,
		`{"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"f"}}]}}]}}`)))
}
