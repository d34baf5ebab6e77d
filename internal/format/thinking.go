package format

import (
	"fmt"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/pkg/anthropic"
)

// Thinking models refuse histories where a tool loop is still open or where
// thinking blocks carry signatures the target model cannot verify. The
// functions here analyse the conversation and repair it before translation.

// conversationState summarises where the tool loop stands at the end of the
// message list.
type conversationState struct {
	InToolLoop       bool
	InterruptedTool  bool
	TurnHasThinking  bool
	ToolResultCount  int
	LastAssistantIdx int
}

func analyzeConversation(messages []anthropic.Message) conversationState {
	state := conversationState{LastAssistantIdx: -1}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			state.LastAssistantIdx = i
			break
		}
	}
	if state.LastAssistantIdx == -1 {
		return state
	}

	hasToolUse := false
	for _, block := range messages[state.LastAssistantIdx].Content {
		switch block.Type {
		case "tool_use":
			hasToolUse = true
		case "thinking":
			state.TurnHasThinking = true
		}
	}

	sawToolResult := false
	sawPlainUser := false
	for _, msg := range messages[state.LastAssistantIdx+1:] {
		if msg.Role != "user" {
			continue
		}
		plain := false
		for _, block := range msg.Content {
			if block.Type == "tool_result" {
				sawToolResult = true
				state.ToolResultCount++
			} else {
				plain = true
			}
		}
		if plain {
			sawPlainUser = true
		}
	}

	state.InToolLoop = hasToolUse && sawToolResult
	state.InterruptedTool = hasToolUse && !sawToolResult && sawPlainUser
	return state
}

// NeedsThinkingRecovery reports whether the history must be repaired before
// it can be sent to a thinking model.
func NeedsThinkingRecovery(messages []anthropic.Message) bool {
	state := analyzeConversation(messages)
	if state.InterruptedTool {
		return true
	}
	return state.InToolLoop && !state.TurnHasThinking
}

// HasGeminiHistory reports whether any thinking block in the history carries
// a signature issued by a Gemini model, per the signature cache.
func HasGeminiHistory(messages []anthropic.Message) bool {
	cache := Cache()
	for _, msg := range messages {
		if msg.Role != "assistant" {
			continue
		}
		for _, block := range msg.Content {
			if block.Type != "thinking" || block.Signature == "" {
				continue
			}
			if cache.ThinkingFamily(block.Signature) == config.ModelFamilyGemini {
				return true
			}
		}
	}
	return false
}

// HasUnsignedThinkingBlocks reports whether any assistant thinking block
// lacks a usable signature.
func HasUnsignedThinkingBlocks(messages []anthropic.Message) bool {
	for _, msg := range messages {
		if msg.Role != "assistant" {
			continue
		}
		for _, block := range msg.Content {
			if block.Type == "thinking" && len(block.Signature) < config.MinSignatureLength {
				return true
			}
		}
	}
	return false
}

// CloseToolLoopForThinking repairs a history whose final tool loop is open:
// thinking blocks the target family cannot verify are stripped, then the
// loop is closed with synthetic turns so the model starts a fresh thinking
// turn. Returns a new slice; the input is not modified.
func CloseToolLoopForThinking(messages []anthropic.Message, targetFamily config.ModelFamily) []anthropic.Message {
	state := analyzeConversation(messages)

	repaired := stripInvalidThinkingBlocks(messages, targetFamily)

	if state.InterruptedTool && state.LastAssistantIdx >= 0 {
		insertAt := state.LastAssistantIdx + 1
		closing := anthropic.Message{
			Role:    "assistant",
			Content: anthropic.MessageContent{{Type: "text", Text: "[Tool call was interrupted.]"}},
		}
		out := make([]anthropic.Message, 0, len(repaired)+1)
		out = append(out, repaired[:insertAt]...)
		out = append(out, closing)
		out = append(out, repaired[insertAt:]...)
		return out
	}

	if state.InToolLoop {
		text := "[Tool execution completed.]"
		if state.ToolResultCount > 1 {
			text = fmt.Sprintf("[%d tool executions completed.]", state.ToolResultCount)
		}
		out := make([]anthropic.Message, 0, len(repaired)+2)
		out = append(out, repaired...)
		out = append(out, anthropic.Message{
			Role:    "assistant",
			Content: anthropic.MessageContent{{Type: "text", Text: text}},
		})
		out = append(out, anthropic.Message{
			Role:    "user",
			Content: anthropic.MessageContent{{Type: "text", Text: "[Continue]"}},
		})
		return out
	}

	return repaired
}

// stripInvalidThinkingBlocks drops thinking blocks the target family will
// reject. For Gemini that is any block whose signature is unknown to the
// cache or attributed to another family; for Claude only unsigned blocks
// are dropped, since Claude verifies its own signatures upstream.
func stripInvalidThinkingBlocks(messages []anthropic.Message, targetFamily config.ModelFamily) []anthropic.Message {
	cache := Cache()
	out := make([]anthropic.Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Role != "assistant" {
			out = append(out, msg)
			continue
		}
		kept := make(anthropic.MessageContent, 0, len(msg.Content))
		for _, block := range msg.Content {
			if block.Type != "thinking" {
				kept = append(kept, block)
				continue
			}
			if len(block.Signature) < config.MinSignatureLength {
				continue
			}
			if targetFamily == config.ModelFamilyGemini {
				if cache.ThinkingFamily(block.Signature) != config.ModelFamilyGemini {
					continue
				}
			}
			kept = append(kept, block)
		}
		if len(kept) == 0 {
			kept = anthropic.MessageContent{{Type: "text", Text: "."}}
		}
		out = append(out, anthropic.Message{Role: msg.Role, Content: kept})
	}
	return out
}

// RestoreThinkingSignatures refills tool_use blocks whose thoughtSignature
// the client stripped, using the signature cache keyed by tool_use id.
func RestoreThinkingSignatures(content anthropic.MessageContent) anthropic.MessageContent {
	cache := Cache()
	out := make(anthropic.MessageContent, len(content))
	copy(out, content)
	for i := range out {
		if out[i].Type == "tool_use" && out[i].ThoughtSignature == "" {
			if sig := cache.ToolSignature(out[i].ID); sig != "" {
				out[i].ThoughtSignature = sig
			}
		}
	}
	return out
}

// RemoveTrailingThinkingBlocks drops thinking blocks that appear after the
// last non-thinking block of an assistant turn. The upstream requires every
// thinking block to be followed by visible output.
func RemoveTrailingThinkingBlocks(content anthropic.MessageContent) anthropic.MessageContent {
	lastOther := -1
	for i, block := range content {
		if block.Type != "thinking" && block.Type != "redacted_thinking" {
			lastOther = i
		}
	}
	if lastOther == len(content)-1 {
		return content
	}
	out := make(anthropic.MessageContent, 0, len(content))
	for i, block := range content {
		if i > lastOther && (block.Type == "thinking" || block.Type == "redacted_thinking") {
			continue
		}
		out = append(out, block)
	}
	return out
}

// ReorderAssistantContent sorts an assistant turn into the upstream's
// required order: thinking first, then text, then tool calls. Relative
// order within each group is preserved.
func ReorderAssistantContent(content anthropic.MessageContent) anthropic.MessageContent {
	var thinking, text, tools, rest anthropic.MessageContent
	for _, block := range content {
		switch block.Type {
		case "thinking", "redacted_thinking":
			thinking = append(thinking, block)
		case "tool_use":
			tools = append(tools, block)
		case "text":
			text = append(text, block)
		default:
			rest = append(rest, block)
		}
	}
	out := make(anthropic.MessageContent, 0, len(content))
	out = append(out, thinking...)
	out = append(out, text...)
	out = append(out, rest...)
	out = append(out, tools...)
	return out
}

// CleanCacheControl strips cache_control markers from every block. The
// upstream rejects them as unknown fields.
func CleanCacheControl(messages []anthropic.Message) []anthropic.Message {
	out := make([]anthropic.Message, len(messages))
	for i, msg := range messages {
		content := make(anthropic.MessageContent, len(msg.Content))
		copy(content, msg.Content)
		for j := range content {
			content[j].CacheControl = nil
			if content[j].Content.Blocks != nil {
				nested := make([]anthropic.ContentBlock, len(content[j].Content.Blocks))
				copy(nested, content[j].Content.Blocks)
				for k := range nested {
					nested[k].CacheControl = nil
				}
				content[j].Content.Blocks = nested
			}
		}
		out[i] = anthropic.Message{Role: msg.Role, Content: content}
	}
	return out
}
