package engine

import (
	"strings"

	"github.com/lmrelay/go-claudeproxy/internal/config"
	"github.com/lmrelay/go-claudeproxy/internal/types"
)

// Hook adapts requests and deltas to one backend's behavior. The default is
// a no-op; backends override only what differs.
type Hook interface {
	// PrepareRequest adjusts the origin request before it is sent.
	PrepareRequest(oreq *types.ChatCompletionRequest, incoming *types.AnthropicMessagesRequest)
	// ReasoningText extracts the reasoning fragment from a streamed delta.
	ReasoningText(d *types.ChatDelta) string
	// Headers returns extra HTTP headers for every origin request.
	Headers() map[string]string
}

// HookFor picks the Hook for a backend. Unknown backends get the default.
func HookFor(backendID string) Hook {
	switch backendID {
	case config.BackendOpenRouter:
		return openRouterHook{}
	case config.BackendNvidia:
		return nvidiaHook{}
	default:
		return defaultHook{}
	}
}

// defaultHook is the no-op baseline: no request tweaks, reasoning comes from
// the dedicated reasoning_content field when the model emits one.
type defaultHook struct{}

func (defaultHook) PrepareRequest(*types.ChatCompletionRequest, *types.AnthropicMessagesRequest) {}

func (defaultHook) ReasoningText(d *types.ChatDelta) string { return d.ReasoningContent }

func (defaultHook) Headers() map[string]string { return nil }

// nvidiaHook handles NIM-hosted model quirks.
type nvidiaHook struct{}

func (nvidiaHook) PrepareRequest(oreq *types.ChatCompletionRequest, incoming *types.AnthropicMessagesRequest) {
	// DeepSeek on NIM needs thinking toggled through the chat template.
	if strings.Contains(oreq.Model, "deepseek") && incoming.Thinking.Enabled() {
		oreq.ChatTemplateKwargs = map[string]any{"thinking": true}
	}
}

func (nvidiaHook) ReasoningText(d *types.ChatDelta) string { return d.ReasoningContent }

func (nvidiaHook) Headers() map[string]string { return nil }

// openRouterHook enables reasoning on the request and reads OpenRouter's
// reasoning/reasoning_details delta fields.
type openRouterHook struct{}

func (openRouterHook) PrepareRequest(oreq *types.ChatCompletionRequest, incoming *types.AnthropicMessagesRequest) {
	if incoming.Thinking.Enabled() {
		oreq.Reasoning = map[string]any{"enabled": true}
	}
}

func (openRouterHook) ReasoningText(d *types.ChatDelta) string {
	if d.Reasoning != "" {
		return d.Reasoning
	}
	if d.ReasoningContent != "" {
		return d.ReasoningContent
	}
	var b strings.Builder
	for _, rd := range d.ReasoningDetails {
		if rd.Text != "" {
			b.WriteString(rd.Text)
		} else if rd.Summary != "" {
			b.WriteString(rd.Summary)
		}
	}
	return b.String()
}

func (openRouterHook) Headers() map[string]string {
	return map[string]string{
		"HTTP-Referer": "https://github.com/lmrelay/go-claudeproxy",
		"X-Title":      "go-claudeproxy",
	}
}
