package upstream

import (
	"encoding/json"

	"github.com/crosswire-dev/crosswire/internal/format"
	"github.com/crosswire-dev/crosswire/pkg/anthropic"
)

// AccumulateEvents folds a stream of Anthropic events back into a single
// response, for callers that asked for non-streaming output on models that
// only stream.
func AccumulateEvents(events <-chan *anthropic.StreamEvent, model string) *anthropic.MessagesResponse {
	resp := &anthropic.MessagesResponse{
		Type:  "message",
		Role:  "assistant",
		Model: model,
		Usage: &anthropic.Usage{},
	}

	var blocks []anthropic.ContentBlock
	var partialJSON string

	for event := range events {
		switch event.Type {
		case "message_start":
			if event.Message != nil {
				resp.ID = event.Message.ID
				if event.Message.Usage != nil {
					resp.Usage.InputTokens = event.Message.Usage.InputTokens
					resp.Usage.CacheReadInputTokens = event.Message.Usage.CacheReadInputTokens
				}
			}

		case "content_block_start":
			if event.ContentBlock != nil {
				blocks = append(blocks, *event.ContentBlock)
				partialJSON = ""
			}

		case "content_block_delta":
			if event.Delta == nil || len(blocks) == 0 {
				continue
			}
			current := &blocks[len(blocks)-1]
			switch event.Delta.Type {
			case "text_delta":
				current.Text += event.Delta.Text
			case "thinking_delta":
				current.Thinking += event.Delta.Thinking
			case "signature_delta":
				current.Signature = event.Delta.Signature
			case "input_json_delta":
				partialJSON += event.Delta.PartialJSON
			}

		case "content_block_stop":
			if len(blocks) == 0 {
				continue
			}
			current := &blocks[len(blocks)-1]
			if current.Type == "tool_use" {
				input := partialJSON
				if input == "" {
					input = "{}"
				}
				current.Input = json.RawMessage(input)
			}
			partialJSON = ""

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				resp.StopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				resp.Usage.OutputTokens = event.Usage.OutputTokens
				if event.Usage.CacheReadInputTokens > 0 {
					resp.Usage.CacheReadInputTokens = event.Usage.CacheReadInputTokens
				}
			}
		}
	}

	if resp.ID == "" {
		resp.ID = format.NewMessageID()
	}
	if len(blocks) == 0 {
		blocks = []anthropic.ContentBlock{{Type: "text", Text: ""}}
	}
	resp.Content = blocks
	return resp
}
