package convert

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmrelay/go-claudeproxy/internal/types"
)

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestSystemAndStringContent(t *testing.T) {
	req := &types.AnthropicMessagesRequest{
		Model:     "claude-sonnet",
		System:    mustRaw(t, "You are a coding assistant."),
		Messages:  []types.AnthropicMessage{{Role: "user", Content: mustRaw(t, "What is 2+2?")}},
		MaxTokens: 1024,
		Stream:    true,
	}
	out, err := ToOrigin(req, "deepseek-ai/deepseek-v3.1", Options{})
	require.NoError(t, err)

	assert.Equal(t, "deepseek-ai/deepseek-v3.1", out.Model)
	assert.True(t, out.Stream)
	require.NotNil(t, out.StreamOptions)
	assert.True(t, out.StreamOptions.IncludeUsage)
	assert.Equal(t, 1024, out.MaxTokens)

	require.Len(t, out.Messages, 2)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "You are a coding assistant.", out.Messages[0].Content)
	assert.Equal(t, "user", out.Messages[1].Role)
	assert.Equal(t, "What is 2+2?", out.Messages[1].Content)
}

func TestDefaultMaxTokensApplied(t *testing.T) {
	req := &types.AnthropicMessagesRequest{
		Messages: []types.AnthropicMessage{{Role: "user", Content: mustRaw(t, "hi")}},
	}
	out, err := ToOrigin(req, "m", Options{DefaultMaxTokens: 81920})
	require.NoError(t, err)
	assert.Equal(t, 81920, out.MaxTokens)
}

func TestAssistantThinkingRewrapped(t *testing.T) {
	blocks := []types.AnthropicContentBlock{
		{Type: "thinking", Thinking: "user wants the sum"},
		{Type: "text", Text: "Answer: 4"},
	}
	req := &types.AnthropicMessagesRequest{
		Messages: []types.AnthropicMessage{
			{Role: "user", Content: mustRaw(t, "What is 2+2?")},
			{Role: "assistant", Content: mustRaw(t, blocks)},
		},
	}
	out, err := ToOrigin(req, "m", Options{})
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "<think>user wants the sum</think>Answer: 4", out.Messages[1].Content)
}

func TestAssistantToolCalls(t *testing.T) {
	blocks := []types.AnthropicContentBlock{
		{Type: "tool_use", ID: "toolu_01", Name: "Read", Input: map[string]any{"file_path": "/tmp/x"}},
	}
	req := &types.AnthropicMessagesRequest{
		Messages: []types.AnthropicMessage{{Role: "assistant", Content: mustRaw(t, blocks)}},
	}
	out, err := ToOrigin(req, "m", Options{})
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)

	msg := out.Messages[0]
	assert.Nil(t, msg.Content, "tool-only turn must carry no content")
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "toolu_01", msg.ToolCalls[0].ID)
	assert.Equal(t, "function", msg.ToolCalls[0].Type)
	assert.Equal(t, "Read", msg.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"file_path":"/tmp/x"}`, msg.ToolCalls[0].Function.Arguments)
}

func TestToolUseWithoutInputGetsEmptyObject(t *testing.T) {
	blocks := []types.AnthropicContentBlock{{Type: "tool_use", ID: "toolu_02", Name: "ListFiles"}}
	req := &types.AnthropicMessagesRequest{
		Messages: []types.AnthropicMessage{{Role: "assistant", Content: mustRaw(t, blocks)}},
	}
	out, err := ToOrigin(req, "m", Options{})
	require.NoError(t, err)
	assert.Equal(t, "{}", out.Messages[0].ToolCalls[0].Function.Arguments)
}

func TestToolResultBecomesToolRole(t *testing.T) {
	blocks := []types.AnthropicContentBlock{
		{Type: "tool_result", ToolUseID: "toolu_01", Content: mustRaw(t, "file contents here")},
		{Type: "text", Text: "continue please"},
	}
	req := &types.AnthropicMessagesRequest{
		Messages: []types.AnthropicMessage{{Role: "user", Content: mustRaw(t, blocks)}},
	}
	out, err := ToOrigin(req, "m", Options{})
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)

	assert.Equal(t, "tool", out.Messages[0].Role)
	assert.Equal(t, "toolu_01", out.Messages[0].ToolCallID)
	assert.Equal(t, "file contents here", out.Messages[0].Content)
	assert.Equal(t, "user", out.Messages[1].Role)
	assert.Equal(t, "continue please", out.Messages[1].Content)
}

func TestToolResultBlockArrayContent(t *testing.T) {
	inner := []types.AnthropicContentBlock{{Type: "text", Text: "line 1"}, {Type: "text", Text: "line 2"}}
	blocks := []types.AnthropicContentBlock{
		{Type: "tool_result", ToolUseID: "toolu_03", Content: mustRaw(t, inner)},
	}
	req := &types.AnthropicMessagesRequest{
		Messages: []types.AnthropicMessage{{Role: "user", Content: mustRaw(t, blocks)}},
	}
	out, err := ToOrigin(req, "m", Options{})
	require.NoError(t, err)
	assert.Equal(t, "line 1line 2", out.Messages[0].Content)
}

func TestImagesKeptWhenAllowed(t *testing.T) {
	blocks := []types.AnthropicContentBlock{
		{Type: "text", Text: "what is in this screenshot?"},
		{Type: "image", Source: &types.ImageSource{Type: "base64", MediaType: "image/png", Data: "aGVsbG8="}},
	}
	req := &types.AnthropicMessagesRequest{
		Messages: []types.AnthropicMessage{{Role: "user", Content: mustRaw(t, blocks)}},
	}
	out, err := ToOrigin(req, "m", Options{AllowImages: true})
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)

	parts, ok := out.Messages[0].Content.([]types.ContentPart)
	require.True(t, ok, "multimodal turn must become content parts")
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].Type)
	require.NotNil(t, parts[1].ImageURL)
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", parts[1].ImageURL.URL)
}

func TestImagesDroppedWhenNotAllowed(t *testing.T) {
	blocks := []types.AnthropicContentBlock{
		{Type: "text", Text: "see image: "},
		{Type: "image", Source: &types.ImageSource{Type: "base64", MediaType: "image/png", Data: "aGVsbG8="}},
	}
	req := &types.AnthropicMessagesRequest{
		Messages: []types.AnthropicMessage{{Role: "user", Content: mustRaw(t, blocks)}},
	}
	var logged bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logged, nil))
	out, err := ToOrigin(req, "m", Options{AllowImages: false, Logger: logger})
	require.NoError(t, err)
	assert.Equal(t, "see image: "+imagePlaceholder, out.Messages[0].Content)
	// the drop is visible in the logs, not silent
	assert.Contains(t, logged.String(), "dropping image block")
}

func TestToolsConversion(t *testing.T) {
	req := &types.AnthropicMessagesRequest{
		Messages: []types.AnthropicMessage{{Role: "user", Content: mustRaw(t, "hi")}},
		Tools: []types.AnthropicTool{
			{Name: "Read", Description: "Read a file", InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"file_path": map[string]any{"type": "string"}},
			}},
			{Name: "NoSchema"},
		},
	}
	out, err := ToOrigin(req, "m", Options{})
	require.NoError(t, err)
	require.Len(t, out.Tools, 2)

	assert.Equal(t, "function", out.Tools[0].Type)
	assert.Equal(t, "Read", out.Tools[0].Function.Name)
	assert.Equal(t, "Read a file", out.Tools[0].Function.Description)

	// a schema-less tool still needs a valid parameters object
	params, _ := json.Marshal(out.Tools[1].Function.Parameters)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(params))
}

func TestToolChoiceMapping(t *testing.T) {
	cases := []struct {
		in   any
		want any
	}{
		{map[string]any{"type": "auto"}, "auto"},
		{map[string]any{"type": "any"}, "required"},
		{map[string]any{"type": "none"}, "none"},
		{map[string]any{"type": "tool", "name": "Read"},
			map[string]any{"type": "function", "function": map[string]any{"name": "Read"}}},
		{nil, nil},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, convertToolChoice(tc.in))
	}
}

func TestSystemBlockArray(t *testing.T) {
	system := []types.AnthropicContentBlock{
		{Type: "text", Text: "Rule one."},
		{Type: "text", Text: "Rule two."},
	}
	req := &types.AnthropicMessagesRequest{
		System:   mustRaw(t, system),
		Messages: []types.AnthropicMessage{{Role: "user", Content: mustRaw(t, "hi")}},
	}
	out, err := ToOrigin(req, "m", Options{})
	require.NoError(t, err)
	assert.Equal(t, "Rule one.\n\nRule two.", out.Messages[0].Content)
}

func TestStopSequencesAndSampling(t *testing.T) {
	temp := 0.2
	topP := 0.9
	req := &types.AnthropicMessagesRequest{
		Messages:      []types.AnthropicMessage{{Role: "user", Content: mustRaw(t, "hi")}},
		Temperature:   &temp,
		TopP:          &topP,
		StopSequences: []string{"\n\nHuman:"},
	}
	out, err := ToOrigin(req, "m", Options{})
	require.NoError(t, err)
	require.NotNil(t, out.Temperature)
	assert.Equal(t, 0.2, *out.Temperature)
	require.NotNil(t, out.TopP)
	assert.Equal(t, 0.9, *out.TopP)
	assert.Equal(t, []string{"\n\nHuman:"}, out.Stop)
}

func TestUnsupportedRole(t *testing.T) {
	req := &types.AnthropicMessagesRequest{
		Messages: []types.AnthropicMessage{{Role: "function", Content: mustRaw(t, "x")}},
	}
	_, err := ToOrigin(req, "m", Options{})
	assert.Error(t, err)
}

func TestSplitModelEffort(t *testing.T) {
	cases := []struct {
		in, model, effort string
	}{
		{"openai/gpt-oss-120b:high", "openai/gpt-oss-120b", "high"},
		{"deepseek-ai/deepseek-v3.1:low", "deepseek-ai/deepseek-v3.1", "low"},
		{"qwen/qwen3:medium", "qwen/qwen3", "medium"},
		{"meta/llama-3.1-405b", "meta/llama-3.1-405b", ""},
		{"moonshotai/kimi-k2:free", "moonshotai/kimi-k2:free", ""},
	}
	for _, tc := range cases {
		model, effort := SplitModelEffort(tc.in)
		assert.Equal(t, tc.model, model, tc.in)
		assert.Equal(t, tc.effort, effort, tc.in)
	}
}
