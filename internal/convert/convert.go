// Package convert translates Anthropic Messages requests into OpenAI-style
// chat completion requests. Thinking blocks on assistant turns are re-wrapped
// in <think> tags so a reasoning model sees its own prior chain of thought;
// tool_result blocks become dedicated tool-role messages.
package convert

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lmrelay/go-claudeproxy/internal/types"
)

// Options carries the per-backend knobs that shape the converted request.
type Options struct {
	// AllowImages keeps image blocks as multimodal content parts. When
	// false (local backends) images are replaced with a text placeholder.
	AllowImages bool
	// DefaultMaxTokens is applied when the incoming request carries none.
	DefaultMaxTokens int
	// Logger receives a warning for every dropped image block. Nil falls
	// back to the default logger.
	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

const imagePlaceholder = "[image content omitted]"

// ToOrigin converts an Anthropic Messages request into a chat completion
// request for the resolved origin model.
func ToOrigin(req *types.AnthropicMessagesRequest, model string, opts Options) (*types.ChatCompletionRequest, error) {
	out := &types.ChatCompletionRequest{
		Model:       model,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		Stop:        req.StopSequences,
	}
	if req.Stream {
		out.StreamOptions = &types.StreamOptions{IncludeUsage: true}
	}
	out.MaxTokens = req.MaxTokens
	if out.MaxTokens == 0 {
		out.MaxTokens = opts.DefaultMaxTokens
	}

	system, err := types.ParseSystemText(req.System)
	if err != nil {
		return nil, err
	}
	if system != "" {
		out.Messages = append(out.Messages, types.ChatMessage{Role: "system", Content: system})
	}

	for i := range req.Messages {
		msgs, err := convertMessage(&req.Messages[i], opts)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out.Messages = append(out.Messages, msgs...)
	}

	out.Tools = convertTools(req.Tools)
	out.ToolChoice = convertToolChoice(req.ToolChoice)
	return out, nil
}

func convertMessage(m *types.AnthropicMessage, opts Options) ([]types.ChatMessage, error) {
	blocks, err := m.ParseContent()
	if err != nil {
		return nil, err
	}
	switch m.Role {
	case "assistant":
		msg, err := convertAssistant(blocks)
		if err != nil {
			return nil, err
		}
		return []types.ChatMessage{msg}, nil
	case "user":
		return convertUser(blocks, opts)
	default:
		return nil, fmt.Errorf("unsupported role %q", m.Role)
	}
}

// convertAssistant folds an assistant turn into a single chat message.
// Thinking precedes text; tool_use blocks become tool_calls. An assistant
// turn with only tool calls carries no content at all.
func convertAssistant(blocks []types.AnthropicContentBlock) (types.ChatMessage, error) {
	var text strings.Builder
	msg := types.ChatMessage{Role: "assistant"}
	for _, b := range blocks {
		switch b.Type {
		case "thinking":
			if b.Thinking != "" {
				text.WriteString("<think>")
				text.WriteString(b.Thinking)
				text.WriteString("</think>")
			}
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args, err := json.Marshal(b.Input)
			if err != nil {
				return msg, fmt.Errorf("tool_use %s: %w", b.Name, err)
			}
			if b.Input == nil {
				args = []byte("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: types.FunctionCall{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
		}
	}
	if s := text.String(); s != "" {
		msg.Content = s
	}
	return msg, nil
}

// convertUser splits a user turn: tool_result blocks each become a tool-role
// message, everything else stays a user message. Tool results come first so
// they directly follow the assistant tool_calls turn.
func convertUser(blocks []types.AnthropicContentBlock, opts Options) ([]types.ChatMessage, error) {
	var out []types.ChatMessage
	var parts []types.ContentPart
	var text strings.Builder
	hasImage := false

	for _, b := range blocks {
		switch b.Type {
		case "tool_result":
			content := types.ParseToolResultText(b.Content)
			if b.IsError && content == "" {
				content = "tool execution failed"
			}
			out = append(out, types.ChatMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    content,
			})
		case "text":
			text.WriteString(b.Text)
			parts = append(parts, types.ContentPart{Type: "text", Text: b.Text})
		case "image":
			if !opts.AllowImages || b.Source == nil {
				reason := "backend has no multimodal support"
				if b.Source == nil {
					reason = "missing source"
				}
				opts.logger().Warn("dropping image block", "reason", reason)
				text.WriteString(imagePlaceholder)
				parts = append(parts, types.ContentPart{Type: "text", Text: imagePlaceholder})
				continue
			}
			hasImage = true
			parts = append(parts, types.ContentPart{
				Type:     "image_url",
				ImageURL: &types.ImageURL{URL: imageDataURL(b.Source)},
			})
		}
	}

	if hasImage {
		out = append(out, types.ChatMessage{Role: "user", Content: parts})
	} else if text.Len() > 0 {
		out = append(out, types.ChatMessage{Role: "user", Content: text.String()})
	}
	return out, nil
}

func imageDataURL(src *types.ImageSource) string {
	switch src.Type {
	case "url":
		return src.URL
	default:
		mediaType := src.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		return fmt.Sprintf("data:%s;base64,%s", mediaType, src.Data)
	}
}

func convertTools(tools []types.AnthropicTool) []types.ChatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]types.ChatTool, 0, len(tools))
	for _, t := range tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, types.ChatTool{
			Type: "function",
			Function: &types.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// convertToolChoice maps the Anthropic tool_choice object onto the OpenAI
// string/object form. Unknown shapes pass through unchanged.
func convertToolChoice(tc any) any {
	m, ok := tc.(map[string]any)
	if !ok {
		return tc
	}
	switch m["type"] {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "none":
		return "none"
	case "tool":
		name, _ := m["name"].(string)
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": name},
		}
	default:
		return tc
	}
}

// SplitModelEffort strips a trailing :low/:medium/:high reasoning-effort
// suffix from a model name.
func SplitModelEffort(model string) (name, effort string) {
	idx := strings.LastIndex(model, ":")
	if idx < 0 {
		return model, ""
	}
	switch suffix := model[idx+1:]; suffix {
	case "low", "medium", "high":
		return model[:idx], suffix
	default:
		return model, ""
	}
}
