package upstream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswire-dev/crosswire/pkg/anthropic"
)

func collectEvents(t *testing.T, body, model string) ([]*anthropic.StreamEvent, error) {
	t.Helper()
	events, errs := StreamEvents(strings.NewReader(body), model)
	var out []*anthropic.StreamEvent
	for event := range events {
		out = append(out, event)
	}
	return out, <-errs
}

func eventTypes(events []*anthropic.StreamEvent) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestStreamThinkingSequence(t *testing.T) {
	sig := strings.Repeat("a", 60)
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"thought":true,"text":"planning"},{"thought":true,"text":" more","thoughtSignature":"` + sig + `"},{"text":"answer"}]}}]}}` + "\n\n" +
		`data: {"response":{"candidates":[{"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":7}}}` + "\n\n"

	events, err := collectEvents(t, body, "claude-sonnet-4-5-thinking")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(events))

	assert.Equal(t, "thinking", events[1].ContentBlock.Type)
	assert.Equal(t, "thinking_delta", events[2].Delta.Type)
	assert.Equal(t, "planning", events[2].Delta.Thinking)
	assert.Equal(t, " more", events[3].Delta.Thinking)
	assert.Equal(t, "signature_delta", events[4].Delta.Type)
	assert.Equal(t, sig, events[4].Delta.Signature)

	assert.Equal(t, "text", events[6].ContentBlock.Type)
	assert.Equal(t, "text_delta", events[7].Delta.Type)
	assert.Equal(t, "answer", events[7].Delta.Text)

	assert.Equal(t, "end_turn", events[9].Delta.StopReason)
	assert.Equal(t, 7, events[9].Usage.OutputTokens)
}

func TestStreamToolUseSequence(t *testing.T) {
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"text":"let me check"},{"functionCall":{"name":"get_weather","args":{"city":"Berlin"}}}]},"finishReason":"STOP"}]}}` + "\n\n"

	events, err := collectEvents(t, body, "gemini-2.5-flash")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(events))

	toolStart := events[4]
	assert.Equal(t, "tool_use", toolStart.ContentBlock.Type)
	assert.Equal(t, "get_weather", toolStart.ContentBlock.Name)
	assert.NotEmpty(t, toolStart.ContentBlock.ID)

	argsDelta := events[5]
	assert.Equal(t, "input_json_delta", argsDelta.Delta.Type)
	assert.JSONEq(t, `{"city":"Berlin"}`, argsDelta.Delta.PartialJSON)

	// A present tool call wins over the upstream finish reason.
	assert.Equal(t, "tool_use", events[7].Delta.StopReason)
}

func TestStreamEventGrammar(t *testing.T) {
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"text":"a"}]}}]}}` + "\n\n" +
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"b"}]}}]}}` + "\n\n" +
		`data: {"response":{"candidates":[{"content":{"parts":[{"thought":true,"text":"t"}]},"finishReason":"STOP"}]}}` + "\n\n"

	events, err := collectEvents(t, body, "gemini-3-pro")
	require.NoError(t, err)

	// message_start (content_block_start delta* content_block_stop)* message_delta message_stop
	types := eventTypes(events)
	require.Equal(t, "message_start", types[0])
	require.Equal(t, "message_stop", types[len(types)-1])
	require.Equal(t, "message_delta", types[len(types)-2])

	depth := 0
	for _, typ := range types[1 : len(types)-2] {
		switch typ {
		case "content_block_start":
			require.Equal(t, 0, depth, "nested content_block_start")
			depth = 1
		case "content_block_delta":
			require.Equal(t, 1, depth, "delta outside a block")
		case "content_block_stop":
			require.Equal(t, 1, depth, "stop without start")
			depth = 0
		default:
			t.Fatalf("unexpected event type %q inside block section", typ)
		}
	}
	assert.Equal(t, 0, depth)
}

func TestStreamMessageStartTokenArithmetic(t *testing.T) {
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]}}],"usageMetadata":{"promptTokenCount":100,"cachedContentTokenCount":30}}}` + "\n\n" +
		`data: {"response":{"candidates":[{"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":100,"candidatesTokenCount":9,"cachedContentTokenCount":30}}}` + "\n\n"

	events, err := collectEvents(t, body, "gemini-2.5-flash")
	require.NoError(t, err)

	start := events[0]
	require.NotNil(t, start.Message)
	assert.Equal(t, 70, start.Message.Usage.InputTokens)
	assert.Equal(t, 30, start.Message.Usage.CacheReadInputTokens)
}

func TestStreamEmptyIsError(t *testing.T) {
	_, err := collectEvents(t, "", "gemini-2.5-flash")
	assert.ErrorIs(t, err, ErrEmptyResponse)

	_, err = collectEvents(t, `data: {"response":{"candidates":[]}}`+"\n\n", "gemini-2.5-flash")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestStreamIgnoresNonDataLines(t *testing.T) {
	body := ": keepalive\n" +
		"event: ping\n" +
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}}` + "\n\n"

	events, err := collectEvents(t, body, "gemini-2.5-flash")
	require.NoError(t, err)
	assert.Equal(t, "message_start", events[0].Type)
}

func TestAccumulateEvents(t *testing.T) {
	sig := strings.Repeat("b", 60)
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"thought":true,"text":"think","thoughtSignature":"` + sig + `"},{"text":"answer"},{"functionCall":{"name":"lookup","args":{"q":"x"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":20,"candidatesTokenCount":11}}}` + "\n\n"

	events, errs := StreamEvents(strings.NewReader(body), "claude-sonnet-4-5-thinking")
	resp := AccumulateEvents(events, "claude-sonnet-4-5-thinking")
	require.NoError(t, <-errs)

	require.Len(t, resp.Content, 3)
	assert.Equal(t, "thinking", resp.Content[0].Type)
	assert.Equal(t, "think", resp.Content[0].Thinking)
	assert.Equal(t, sig, resp.Content[0].Signature)
	assert.Equal(t, "text", resp.Content[1].Type)
	assert.Equal(t, "answer", resp.Content[1].Text)
	assert.Equal(t, "tool_use", resp.Content[2].Type)
	assert.JSONEq(t, `{"q":"x"}`, string(resp.Content[2].Input))
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, 11, resp.Usage.OutputTokens)
}
