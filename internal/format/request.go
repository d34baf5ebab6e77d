package format

import (
	"encoding/json"
	"regexp"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/logging"
	"github.com/crosswire-dev/crosswire/pkg/anthropic"
)

// interleavedThinkingHint is appended to the system instruction when a
// Claude thinking model is used together with tools.
const interleavedThinkingHint = "Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer."

// ConvertAnthropicToGoogle translates a Messages API request into the Google
// request for the given upstream model.
func ConvertAnthropicToGoogle(req *anthropic.MessagesRequest, model string) *GoogleRequest {
	family := config.GetModelFamily(model)
	thinking := config.IsThinkingModel(model)

	messages := CleanCacheControl(req.Messages)

	out := &GoogleRequest{
		SystemInstruction: buildSystemInstruction(req, family, thinking),
	}

	// Repair open tool loops before any per-message processing; the repair
	// inspects the raw block layout.
	if family == config.ModelFamilyGemini && thinking && NeedsThinkingRecovery(messages) {
		logging.Debug("format: closing tool loop for gemini thinking model")
		messages = CloseToolLoopForThinking(messages, config.ModelFamilyGemini)
	}
	if family == config.ModelFamilyClaude &&
		(HasGeminiHistory(messages) || HasUnsignedThinkingBlocks(messages)) &&
		NeedsThinkingRecovery(messages) {
		logging.Debug("format: closing tool loop for claude after cross-family history")
		messages = CloseToolLoopForThinking(messages, config.ModelFamilyClaude)
	}

	for _, msg := range messages {
		content := msg.Content
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
			content = RestoreThinkingSignatures(content)
			content = RemoveTrailingThinkingBlocks(content)
			content = ReorderAssistantContent(content)
		}
		parts := ConvertContentToParts(content, family)
		if len(parts) == 0 {
			// Empty turns are rejected upstream; substitute a placeholder.
			parts = []GooglePart{{Text: "."}}
		}
		out.Contents = append(out.Contents, GoogleContent{Role: role, Parts: parts})
	}

	out.GenerationConfig = buildGenerationConfig(req, family, thinking)
	out.Tools = buildTools(req.Tools)
	if family == config.ModelFamilyClaude && len(out.Tools) > 0 {
		out.ToolConfig = &ToolConfig{
			FunctionCallingConfig: &FunctionCallingConfig{Mode: "VALIDATED"},
		}
	}

	return out
}

func buildSystemInstruction(req *anthropic.MessagesRequest, family config.ModelFamily, thinking bool) *GoogleContent {
	parts := []GooglePart{{Text: config.SystemInstructionPrefix}}
	if text := req.System.Text(); text != "" {
		parts = append(parts, GooglePart{Text: text})
	}
	if family == config.ModelFamilyClaude && thinking && len(req.Tools) > 0 {
		parts = append(parts, GooglePart{Text: interleavedThinkingHint})
	}
	return &GoogleContent{Role: "user", Parts: parts}
}

func buildGenerationConfig(req *anthropic.MessagesRequest, family config.ModelFamily, thinking bool) *GenerationConfig {
	cfg := &GenerationConfig{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		StopSequences:   req.StopSequences,
	}

	switch family {
	case config.ModelFamilyClaude:
		if thinking && req.Thinking.Enabled() {
			tc := &ThinkingConfig{IncludeThoughts: true}
			if req.Thinking.BudgetTokens > 0 {
				tc.ThinkingBudget = req.Thinking.BudgetTokens
				// max_tokens must exceed the thinking budget, or the
				// visible answer gets truncated to nothing.
				if cfg.MaxOutputTokens > 0 && cfg.MaxOutputTokens <= req.Thinking.BudgetTokens {
					cfg.MaxOutputTokens = req.Thinking.BudgetTokens + 8192
				}
			}
			cfg.ThinkingConfig = tc
		}
	case config.ModelFamilyGemini:
		if thinking {
			budget := config.GeminiThinkingBudget
			if req.Thinking.Enabled() && req.Thinking.BudgetTokens > 0 {
				budget = req.Thinking.BudgetTokens
			}
			cfg.ThinkingConfig = &ThinkingConfig{
				IncludeThoughtsGemini: true,
				ThinkingBudgetGemini:  budget,
			}
		}
		if cfg.MaxOutputTokens <= 0 || cfg.MaxOutputTokens > config.GeminiMaxOutputTokens {
			cfg.MaxOutputTokens = config.GeminiMaxOutputTokens
		}
	}

	return cfg
}

var toolNameRe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// cleanToolName maps an arbitrary client tool name onto the upstream's
// allowed charset and 64-char limit.
func cleanToolName(name string) string {
	cleaned := toolNameRe.ReplaceAllString(name, "_")
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}

func buildTools(tools []anthropic.Tool) []GoogleTool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schema map[string]interface{}
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				logging.Warn("format: tool %s has malformed input_schema, using placeholder", tool.Name)
				schema = nil
			}
		}
		decls = append(decls, FunctionDeclaration{
			Name:        cleanToolName(tool.Name),
			Description: tool.Description,
			Parameters:  CleanSchema(schema),
		})
	}
	return []GoogleTool{{FunctionDeclarations: decls}}
}
