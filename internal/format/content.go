package format

import (
	"encoding/json"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/logging"
	"github.com/crosswire-dev/crosswire/pkg/anthropic"
)

// ConvertContentToParts translates one message's content blocks into Google
// parts for the target model family. Images nested inside tool results are
// deferred to the end of the part list: the upstream rejects inlineData
// sandwiched between functionResponse parts.
func ConvertContentToParts(content anthropic.MessageContent, family config.ModelFamily) []GooglePart {
	parts := make([]GooglePart, 0, len(content))
	var deferredImages []GooglePart

	for _, block := range content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			parts = append(parts, GooglePart{Text: block.Text})

		case "image", "document":
			if part, ok := mediaPart(block); ok {
				parts = append(parts, part)
			}

		case "tool_use":
			parts = append(parts, toolUsePart(block, family))

		case "tool_result":
			part, images := toolResultPart(block, family)
			parts = append(parts, part)
			deferredImages = append(deferredImages, images...)

		case "thinking":
			if part, ok := thinkingPart(block, family); ok {
				parts = append(parts, part)
			}

		case "redacted_thinking":
			// Redacted thinking has no reconstructable content; drop it.

		default:
			logging.Debug("format: skipping unknown content block type %q", block.Type)
		}
	}

	return append(parts, deferredImages...)
}

// mediaPart converts an image or document block. Base64 sources become
// inlineData, URL sources fileData.
func mediaPart(block anthropic.ContentBlock) (GooglePart, bool) {
	if block.Source == nil {
		return GooglePart{}, false
	}
	defaultMime := "image/jpeg"
	if block.Type == "document" {
		defaultMime = "application/pdf"
	}
	mime := block.Source.MediaType
	if mime == "" {
		mime = defaultMime
	}
	switch block.Source.Type {
	case "base64":
		return GooglePart{InlineData: &InlineData{MimeType: mime, Data: block.Source.Data}}, true
	case "url":
		return GooglePart{FileData: &FileData{MimeType: mime, FileURI: block.Source.URL}}, true
	}
	return GooglePart{}, false
}

// toolUsePart converts a tool_use block. Claude carries the id inside the
// functionCall; Gemini instead needs a part-level thoughtSignature, restored
// from the block, the cache, or the skip sentinel in that order.
func toolUsePart(block anthropic.ContentBlock, family config.ModelFamily) GooglePart {
	var args map[string]interface{}
	if len(block.Input) > 0 {
		if err := json.Unmarshal(block.Input, &args); err != nil {
			logging.Debug("format: tool_use %s input is not an object, passing empty args", block.ID)
			args = nil
		}
	}
	call := &FunctionCall{Name: block.Name, Args: args}
	part := GooglePart{FunctionCall: call}

	if family == config.ModelFamilyClaude {
		call.ID = block.ID
		return part
	}

	sig := block.ThoughtSignature
	if sig == "" {
		sig = Cache().ToolSignature(block.ID)
	}
	if sig == "" {
		sig = config.GeminiSkipSignature
	}
	part.ThoughtSignature = sig
	return part
}

// toolResultPart converts a tool_result block into a functionResponse plus
// any nested images, returned separately for deferral.
func toolResultPart(block anthropic.ContentBlock, family config.ModelFamily) (GooglePart, []GooglePart) {
	name := block.ToolUseID
	if name == "" {
		name = "unknown"
	}

	var images []GooglePart
	text := block.Content.Text
	if block.Content.Blocks != nil {
		text = ""
		for _, nested := range block.Content.Blocks {
			switch nested.Type {
			case "text":
				if nested.Text != "" {
					if text != "" {
						text += "\n"
					}
					text += nested.Text
				}
			case "image":
				if part, ok := mediaPart(nested); ok {
					images = append(images, part)
				}
			}
		}
		if text == "" && len(images) > 0 {
			text = "Image attached"
		}
	}

	resp := &FunctionResponse{
		Name:     name,
		Response: map[string]interface{}{"result": text},
	}
	if family == config.ModelFamilyClaude {
		resp.ID = block.ToolUseID
	}
	return GooglePart{FunctionResponse: resp}, images
}

// thinkingPart converts a thinking block. Unsigned or sentinel-signed blocks
// are dropped for every family. For Gemini targets the signature must also
// be attributed to Gemini by the cache, otherwise the upstream validator
// rejects the whole request.
func thinkingPart(block anthropic.ContentBlock, family config.ModelFamily) (GooglePart, bool) {
	if len(block.Signature) < config.MinSignatureLength {
		return GooglePart{}, false
	}
	if family == config.ModelFamilyGemini {
		if Cache().ThinkingFamily(block.Signature) != config.ModelFamilyGemini {
			logging.Debug("format: dropping thinking block with foreign signature")
			return GooglePart{}, false
		}
	}
	return GooglePart{
		Text:             block.Thinking,
		Thought:          true,
		ThoughtSignature: block.Signature,
	}, true
}
