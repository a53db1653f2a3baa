package convert

import (
	"encoding/json"
	"fmt"

	"github.com/lmrelay/go-claudeproxy/internal/think"
	"github.com/lmrelay/go-claudeproxy/internal/types"
)

// FromOrigin reverses ToOrigin: it rebuilds Anthropic messages from a chat
// completion message list. Assistant <think> spans become thinking blocks,
// tool_calls become tool_use blocks, and tool-role messages fold back into
// the following user turn as tool_result blocks. System messages are skipped;
// the system prompt travels outside the message list.
func FromOrigin(msgs []types.ChatMessage) ([]types.AnthropicMessage, error) {
	var out []types.AnthropicMessage
	var pendingUser []types.AnthropicContentBlock

	flushUser := func() error {
		if len(pendingUser) == 0 {
			return nil
		}
		raw, err := json.Marshal(pendingUser)
		if err != nil {
			return err
		}
		out = append(out, types.AnthropicMessage{Role: "user", Content: raw})
		pendingUser = nil
		return nil
	}

	for i := range msgs {
		m := &msgs[i]
		switch m.Role {
		case "system":
			continue
		case "tool":
			content, _ := json.Marshal(contentString(m.Content))
			pendingUser = append(pendingUser, types.AnthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   content,
			})
		case "user":
			pendingUser = append(pendingUser, userBlocks(m.Content)...)
			if err := flushUser(); err != nil {
				return nil, err
			}
		case "assistant":
			if err := flushUser(); err != nil {
				return nil, err
			}
			blocks, err := assistantBlocks(m)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			raw, err := json.Marshal(blocks)
			if err != nil {
				return nil, err
			}
			out = append(out, types.AnthropicMessage{Role: "assistant", Content: raw})
		default:
			return nil, fmt.Errorf("message %d: unsupported role %q", i, m.Role)
		}
	}
	if err := flushUser(); err != nil {
		return nil, err
	}
	return out, nil
}

// assistantBlocks splits assistant content on think tags and appends the
// structured tool calls.
func assistantBlocks(m *types.ChatMessage) ([]types.AnthropicContentBlock, error) {
	var blocks []types.AnthropicContentBlock

	if text := contentString(m.Content); text != "" {
		p := &think.Parser{}
		segs := p.Feed(text)
		if tail := p.Flush(); tail != nil {
			segs = append(segs, *tail)
		}
		for _, seg := range segs {
			switch seg.Kind {
			case think.Thinking:
				blocks = append(blocks, types.AnthropicContentBlock{Type: "thinking", Thinking: seg.Content})
			case think.Text:
				blocks = append(blocks, types.AnthropicContentBlock{Type: "text", Text: seg.Content})
			}
		}
	}

	for _, tc := range m.ToolCalls {
		input := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return nil, fmt.Errorf("tool call %s: %w", tc.Function.Name, err)
			}
		}
		blocks = append(blocks, types.AnthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	return blocks, nil
}

func userBlocks(content any) []types.AnthropicContentBlock {
	switch v := content.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []types.AnthropicContentBlock{{Type: "text", Text: v}}
	case []types.ContentPart:
		var blocks []types.AnthropicContentBlock
		for _, p := range v {
			if p.Type == "text" {
				blocks = append(blocks, types.AnthropicContentBlock{Type: "text", Text: p.Text})
			}
		}
		return blocks
	default:
		return nil
	}
}

func contentString(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []types.ContentPart:
		var s string
		for _, p := range v {
			s += p.Text
		}
		return s
	default:
		return ""
	}
}
