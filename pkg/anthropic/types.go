// Package anthropic defines the wire types of the Anthropic Messages API
// as observed at the proxy boundary: requests, responses and the SSE event
// taxonomy. Content arrives as shapeless JSON discriminated by a "type"
// string; the types here keep that discriminator explicit so the translator
// can switch on it without reflection.
package anthropic

import (
	"encoding/json"
	"fmt"
)

// MessagesRequest is the body of POST /v1/messages.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	System        SystemPrompt    `json:"system,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Thinking      *ThinkingParam  `json:"thinking,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// ThinkingParam enables extended thinking on the request.
type ThinkingParam struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Enabled reports whether the client asked for thinking output.
func (t *ThinkingParam) Enabled() bool {
	return t != nil && t.Type == "enabled"
}

// Tool is a tool definition on the request. InputSchema is kept raw; the
// schema sanitizer owns its interpretation.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// SystemPrompt accepts either a plain string or a list of text blocks.
type SystemPrompt []ContentBlock

// UnmarshalJSON accepts "..." or [{type:"text",...}, ...].
func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*s = nil
		return nil
	}
	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*s = SystemPrompt{{Type: "text", Text: text}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*s = SystemPrompt(blocks)
	return nil
}

// Text joins the textual content of the system prompt.
func (s SystemPrompt) Text() string {
	out := ""
	for _, b := range s {
		if b.Type == "text" && b.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// Message is a single conversation turn.
type Message struct {
	Role    string       `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent accepts either a plain string or a block list.
type MessageContent []ContentBlock

// UnmarshalJSON accepts "..." or a content-block array.
func (m *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*m = nil
		return nil
	}
	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*m = MessageContent{{Type: "text", Text: text}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*m = MessageContent(blocks)
	return nil
}

// ContentBlock is the closed sum of Anthropic block kinds, discriminated by
// Type: text, image, thinking, redacted_thinking, tool_use, tool_result.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// redacted_thinking
	Data string `json:"data,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// Gemini 3+ attaches a part-level signature to tool calls.
	ThoughtSignature string `json:"thoughtSignature,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   ToolResultValue `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image / document
	Source *ImageSource `json:"source,omitempty"`

	// cache_control is accepted from clients but never forwarded upstream;
	// the Cloud Code API rejects it as an extra input.
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// ToolResultValue is the content of a tool_result block: a plain string or
// nested blocks.
type ToolResultValue struct {
	Text   string
	Blocks []ContentBlock
}

// UnmarshalJSON accepts "..." or a block array.
func (v *ToolResultValue) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*v = ToolResultValue{}
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &v.Text)
	}
	return json.Unmarshal(data, &v.Blocks)
}

// MarshalJSON writes back the original shape.
func (v ToolResultValue) MarshalJSON() ([]byte, error) {
	if v.Blocks != nil {
		return json.Marshal(v.Blocks)
	}
	return json.Marshal(v.Text)
}

// IsEmpty reports whether the result carried no content at all.
func (v ToolResultValue) IsEmpty() bool {
	return v.Text == "" && len(v.Blocks) == 0
}

// Flatten renders the result as a single string for backends that take text.
func (v ToolResultValue) Flatten() string {
	if v.Blocks == nil {
		return v.Text
	}
	out := ""
	for _, b := range v.Blocks {
		if b.Type == "text" && b.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// ImageSource is an image or document payload, base64 or URL referenced.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// MessagesResponse is the non-streaming response of POST /v1/messages.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        *Usage         `json:"usage,omitempty"`
}

// Usage carries token accounting. input_tokens excludes cached tokens;
// input_tokens + cache_read_input_tokens equals the upstream prompt count.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// ErrorResponse is the Anthropic-style error envelope.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner error object.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorResponse builds the standard error envelope.
func NewErrorResponse(errorType, message string) ErrorResponse {
	return ErrorResponse{Type: "error", Error: ErrorDetail{Type: errorType, Message: message}}
}

// Streaming event types. Every event carries Type matching its SSE event
// name; optional fields are populated per kind.

// StreamEvent is one Anthropic SSE event.
type StreamEvent struct {
	Type string `json:"type"`

	// message_start
	Message *MessagesResponse `json:"message,omitempty"`

	// content_block_start / content_block_delta / content_block_stop
	Index        *int          `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *StreamDelta  `json:"delta,omitempty"`

	// message_delta
	Usage *Usage `json:"usage,omitempty"`

	// error
	Error *ErrorDetail `json:"error,omitempty"`
}

// StreamDelta is the delta payload of content_block_delta and message_delta
// events: text_delta, thinking_delta, signature_delta, input_json_delta, or
// the terminal stop info.
type StreamDelta struct {
	Type string `json:"type,omitempty"`

	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`

	// message_delta terminal fields
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// Validate performs the minimal structural checks the proxy enforces before
// translation.
func (r *MessagesRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages is required and must be a non-empty array")
	}
	return nil
}
