package upstream

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/format"
	"github.com/crosswire-dev/crosswire/internal/logging"
	"github.com/crosswire-dev/crosswire/pkg/anthropic"
)

// ErrEmptyResponse marks a stream that carried no content parts; callers
// retry the request a bounded number of times.
var ErrEmptyResponse = errors.New("upstream returned no content parts")

// StreamEvents reads the upstream SSE body and emits Anthropic stream events
// in the canonical order: message_start, bracketed content blocks, then
// message_delta and message_stop. The error channel receives at most one
// error after the event channel closes.
func StreamEvents(reader io.Reader, model string) (<-chan *anthropic.StreamEvent, <-chan error) {
	events := make(chan *anthropic.StreamEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)
		if _, err := translateStream(reader, model, events); err != nil {
			errs <- err
		}
	}()

	return events, errs
}

// streamState is the block-level state machine of one translation.
type streamState struct {
	model     string
	events    chan<- *anthropic.StreamEvent
	messageID string

	started      bool
	blockIndex   int
	blockType    string // "", "thinking", "text", "tool_use", "image"
	pendingSig   string
	stopReason   string
	inputTokens  int
	outputTokens int
	cachedTokens int
}

// translateStream drives the state machine and returns the usage totals it
// accumulated, so streamed requests are accounted like unary ones.
func translateStream(reader io.Reader, model string, events chan<- *anthropic.StreamEvent) (*anthropic.Usage, error) {
	state := &streamState{
		model:     model,
		events:    events,
		messageID: format.NewMessageID(),
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		chunk, err := format.ParseGoogleResponse([]byte(payload))
		if err != nil {
			logging.Warn("upstream: SSE chunk parse error: %v", err)
			continue
		}
		state.consume(chunk)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if !state.started {
		return nil, ErrEmptyResponse
	}

	state.closeBlock()
	if state.stopReason == "" {
		state.stopReason = "end_turn"
	}
	state.emit(&anthropic.StreamEvent{
		Type:  "message_delta",
		Delta: &anthropic.StreamDelta{StopReason: state.stopReason},
		Usage: &anthropic.Usage{
			OutputTokens:         state.outputTokens,
			CacheReadInputTokens: state.cachedTokens,
		},
	})
	state.emit(&anthropic.StreamEvent{Type: "message_stop"})

	return &anthropic.Usage{
		InputTokens:          maxInt(state.inputTokens-state.cachedTokens, 0),
		OutputTokens:         state.outputTokens,
		CacheReadInputTokens: state.cachedTokens,
	}, nil
}

func (s *streamState) consume(chunk *format.GoogleResponse) {
	candidates, usage := chunk.Unwrap()

	if usage != nil {
		s.inputTokens = maxInt(s.inputTokens, usage.PromptTokenCount)
		s.outputTokens = maxInt(s.outputTokens, usage.CandidatesTokenCount)
		s.cachedTokens = maxInt(s.cachedTokens, usage.CachedContentTokenCount)
	}
	if len(candidates) == 0 {
		return
	}

	cand := candidates[0]
	if cand.Content == nil {
		if cand.FinishReason != "" && s.stopReason == "" {
			s.stopReason = mapStreamFinishReason(cand.FinishReason)
		}
		return
	}

	if !s.started && len(cand.Content.Parts) > 0 {
		s.started = true
		s.emit(&anthropic.StreamEvent{
			Type: "message_start",
			Message: &anthropic.MessagesResponse{
				ID:      s.messageID,
				Type:    "message",
				Role:    "assistant",
				Content: []anthropic.ContentBlock{},
				Model:   s.model,
				Usage: &anthropic.Usage{
					InputTokens:          maxInt(s.inputTokens-s.cachedTokens, 0),
					CacheReadInputTokens: s.cachedTokens,
				},
			},
		})
	}

	for _, part := range cand.Content.Parts {
		switch {
		case part.Thought:
			s.onThinking(part)
		case part.Text != "":
			s.onText(part.Text)
		case part.FunctionCall != nil:
			s.onToolUse(part)
		case part.InlineData != nil:
			s.onImage(part)
		}
	}

	if cand.FinishReason != "" && s.stopReason == "" {
		s.stopReason = mapStreamFinishReason(cand.FinishReason)
	}
}

func (s *streamState) onThinking(part format.GooglePart) {
	if s.blockType != "thinking" {
		s.closeBlock()
		s.blockType = "thinking"
		s.pendingSig = ""
		s.emit(&anthropic.StreamEvent{
			Type:         "content_block_start",
			Index:        intPtr(s.blockIndex),
			ContentBlock: &anthropic.ContentBlock{Type: "thinking"},
		})
	}

	if len(part.ThoughtSignature) >= config.MinSignatureLength {
		s.pendingSig = part.ThoughtSignature
		format.Cache().CacheThinkingSignature(part.ThoughtSignature, config.GetModelFamily(s.model))
	}

	s.emit(&anthropic.StreamEvent{
		Type:  "content_block_delta",
		Index: intPtr(s.blockIndex),
		Delta: &anthropic.StreamDelta{Type: "thinking_delta", Thinking: part.Text},
	})
}

func (s *streamState) onText(text string) {
	if s.blockType != "text" {
		s.closeBlock()
		s.blockType = "text"
		s.emit(&anthropic.StreamEvent{
			Type:         "content_block_start",
			Index:        intPtr(s.blockIndex),
			ContentBlock: &anthropic.ContentBlock{Type: "text"},
		})
	}
	s.emit(&anthropic.StreamEvent{
		Type:  "content_block_delta",
		Index: intPtr(s.blockIndex),
		Delta: &anthropic.StreamDelta{Type: "text_delta", Text: text},
	})
}

func (s *streamState) onToolUse(part format.GooglePart) {
	s.closeBlock()
	s.blockType = "tool_use"
	s.stopReason = "tool_use"

	toolID := part.FunctionCall.ID
	if toolID == "" {
		toolID = format.NewToolUseID()
	}

	block := &anthropic.ContentBlock{
		Type: "tool_use",
		ID:   toolID,
		Name: part.FunctionCall.Name,
	}
	if len(part.ThoughtSignature) >= config.MinSignatureLength {
		block.ThoughtSignature = part.ThoughtSignature
		format.Cache().CacheToolSignature(toolID, part.ThoughtSignature)
	}

	s.emit(&anthropic.StreamEvent{
		Type:         "content_block_start",
		Index:        intPtr(s.blockIndex),
		ContentBlock: block,
	})

	// The upstream delivers complete arguments, so a single delta suffices.
	args, _ := json.Marshal(part.FunctionCall.Args)
	s.emit(&anthropic.StreamEvent{
		Type:  "content_block_delta",
		Index: intPtr(s.blockIndex),
		Delta: &anthropic.StreamDelta{Type: "input_json_delta", PartialJSON: string(args)},
	})
}

func (s *streamState) onImage(part format.GooglePart) {
	s.closeBlock()
	s.emit(&anthropic.StreamEvent{
		Type:  "content_block_start",
		Index: intPtr(s.blockIndex),
		ContentBlock: &anthropic.ContentBlock{
			Type: "image",
			Source: &anthropic.ImageSource{
				Type:      "base64",
				MediaType: part.InlineData.MimeType,
				Data:      part.InlineData.Data,
			},
		},
	})
	s.emit(&anthropic.StreamEvent{Type: "content_block_stop", Index: intPtr(s.blockIndex)})
	s.blockIndex++
	s.blockType = ""
}

// closeBlock flushes the buffered thinking signature and ends the open block.
func (s *streamState) closeBlock() {
	if s.blockType == "" {
		return
	}
	if s.blockType == "thinking" && s.pendingSig != "" {
		s.emit(&anthropic.StreamEvent{
			Type:  "content_block_delta",
			Index: intPtr(s.blockIndex),
			Delta: &anthropic.StreamDelta{Type: "signature_delta", Signature: s.pendingSig},
		})
		s.pendingSig = ""
	}
	s.emit(&anthropic.StreamEvent{Type: "content_block_stop", Index: intPtr(s.blockIndex)})
	s.blockIndex++
	s.blockType = ""
}

func (s *streamState) emit(event *anthropic.StreamEvent) {
	s.events <- event
}

func mapStreamFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "TOOL_USE":
		return "tool_use"
	default:
		return "end_turn"
	}
}

func intPtr(v int) *int { return &v }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
