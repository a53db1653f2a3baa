// Package sse serializes the Anthropic Messages streaming protocol: an
// ordered event sequence of message_start, content_block_start/delta/stop
// groups, message_delta and message_stop. The Builder owns the per-response
// block state machine; every operation both advances the state and returns
// the exact bytes to forward, so the protocol can be tested without a
// network in sight.
package sse

import (
	"encoding/json"
	"fmt"

	"github.com/lmrelay/go-claudeproxy/internal/types"
)

// BlockKind is the type of a content block.
type BlockKind string

const (
	KindText     BlockKind = "text"
	KindThinking BlockKind = "thinking"
	KindToolUse  BlockKind = "tool_use"
)

// ProtocolViolation reports misuse of the block state machine. It is a
// programming-contract bug in the caller, never a retryable condition.
type ProtocolViolation struct {
	Op     string
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("sse protocol violation in %s: %s", e.Op, e.Reason)
}

// Delta is one content_block_delta payload.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// TextDelta builds a text_delta payload.
func TextDelta(s string) Delta { return Delta{Type: "text_delta", Text: s} }

// ThinkingDelta builds a thinking_delta payload.
func ThinkingDelta(s string) Delta { return Delta{Type: "thinking_delta", Thinking: s} }

// JSONDelta builds an input_json_delta payload.
func JSONDelta(partial string) Delta { return Delta{Type: "input_json_delta", PartialJSON: partial} }

type openBlock struct {
	index int
	kind  BlockKind
}

// Builder tracks one streamed response. At most one block is open at a time;
// indices increase without gaps and are never reused. A Builder belongs to
// exactly one request's task and needs no locking.
type Builder struct {
	messageID   string
	model       string
	inputTokens int

	nextIndex int
	open      *openBlock
	opened    int
	closed    int
	sawTool   bool
	started   bool
	finished  bool

	outputText []byte // accumulated visible+thinking output for token estimation
}

// NewBuilder creates a Builder for one response.
func NewBuilder(messageID, model string, inputTokens int) *Builder {
	return &Builder{messageID: messageID, model: model, inputTokens: inputTokens}
}

func event(name string, payload any) []byte {
	data, _ := json.Marshal(payload)
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data))
}

// MessageStart emits the opening event of the response.
func (b *Builder) MessageStart() []byte {
	b.started = true
	return event("message_start", map[string]any{
		"type": "message_start",
		"message": types.AnthropicMessageResponse{
			ID:           b.messageID,
			Type:         "message",
			Role:         "assistant",
			Model:        b.model,
			Content:      []types.AnthropicContentOut{},
			StopReason:   nil,
			StopSequence: nil,
			Usage:        types.AnthropicUsage{InputTokens: b.inputTokens},
		},
	})
}

// StartBlock opens a text or thinking block and returns its index. Opening
// while another block is open is a contract violation.
func (b *Builder) StartBlock(kind BlockKind) (int, []byte, error) {
	switch kind {
	case KindText:
		return b.startBlock(kind, map[string]any{"type": "text", "text": ""})
	case KindThinking:
		return b.startBlock(kind, map[string]any{"type": "thinking", "thinking": ""})
	default:
		return 0, nil, &ProtocolViolation{Op: "StartBlock", Reason: "tool_use blocks require StartToolBlock"}
	}
}

// StartToolBlock opens a tool_use block carrying the call id and name.
func (b *Builder) StartToolBlock(id, name string) (int, []byte, error) {
	b.sawTool = true
	return b.startBlock(KindToolUse, map[string]any{
		"type":  "tool_use",
		"id":    id,
		"name":  name,
		"input": map[string]any{},
	})
}

func (b *Builder) startBlock(kind BlockKind, content map[string]any) (int, []byte, error) {
	if b.open != nil {
		return 0, nil, &ProtocolViolation{Op: "StartBlock",
			Reason: fmt.Sprintf("block %d (%s) is still open", b.open.index, b.open.kind)}
	}
	if b.finished {
		return 0, nil, &ProtocolViolation{Op: "StartBlock", Reason: "message already stopped"}
	}
	idx := b.nextIndex
	b.nextIndex++
	b.open = &openBlock{index: idx, kind: kind}
	b.opened++
	return idx, event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         idx,
		"content_block": content,
	}), nil
}

// Delta emits a content_block_delta for the open block. Targeting any other
// index is a contract violation.
func (b *Builder) Delta(index int, d Delta) ([]byte, error) {
	if b.open == nil || b.open.index != index {
		return nil, &ProtocolViolation{Op: "Delta",
			Reason: fmt.Sprintf("block %d is not the open block", index)}
	}
	switch d.Type {
	case "text_delta":
		b.outputText = append(b.outputText, d.Text...)
	case "thinking_delta":
		b.outputText = append(b.outputText, d.Thinking...)
	}
	return event("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": d,
	}), nil
}

// StopBlock closes the open block.
func (b *Builder) StopBlock(index int) ([]byte, error) {
	if b.open == nil || b.open.index != index {
		return nil, &ProtocolViolation{Op: "StopBlock",
			Reason: fmt.Sprintf("block %d is not the open block", index)}
	}
	b.open = nil
	b.closed++
	return event("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": index,
	}), nil
}

// CloseOpen force-closes the open block if there is one. Used on abnormal
// termination and before switching block kinds; never fails.
func (b *Builder) CloseOpen() []byte {
	if b.open == nil {
		return nil
	}
	out, _ := b.StopBlock(b.open.index)
	return out
}

// OpenIndex returns the index of the open block, or -1.
func (b *Builder) OpenIndex() int {
	if b.open == nil {
		return -1
	}
	return b.open.index
}

// OpenKind returns the kind of the open block, or "".
func (b *Builder) OpenKind() BlockKind {
	if b.open == nil {
		return ""
	}
	return b.open.kind
}

// BlockCount returns how many blocks have been opened so far.
func (b *Builder) BlockCount() int { return b.opened }

// SawToolUse reports whether any tool_use block was opened.
func (b *Builder) SawToolUse() bool { return b.sawTool }

// OutputText returns the accumulated visible and thinking output, used for
// token estimation when the origin reports no usage.
func (b *Builder) OutputText() string { return string(b.outputText) }

// MessageDelta emits the usage/stop_reason trailer.
func (b *Builder) MessageDelta(stopReason string, usage types.AnthropicUsage) []byte {
	return event("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": usage,
	})
}

// MessageStop terminates the event sequence. Every opened block must already
// be closed.
func (b *Builder) MessageStop() ([]byte, error) {
	if b.open != nil {
		return nil, &ProtocolViolation{Op: "MessageStop",
			Reason: fmt.Sprintf("block %d is still open", b.open.index)}
	}
	if b.opened != b.closed {
		return nil, &ProtocolViolation{Op: "MessageStop",
			Reason: fmt.Sprintf("%d blocks opened but %d closed", b.opened, b.closed)}
	}
	b.finished = true
	return event("message_stop", map[string]any{"type": "message_stop"}), nil
}

// ErrorEvent emits the vendor-shaped terminal error event.
func (b *Builder) ErrorEvent(body types.AnthropicErrorBody) []byte {
	return event("error", types.AnthropicErrorResponse{Type: "error", Error: body})
}

// Ping emits a keepalive event.
func (b *Builder) Ping() []byte {
	return event("ping", map[string]any{"type": "ping"})
}

// MapStopReason converts an OpenAI finish_reason to the Anthropic stop_reason.
func MapStopReason(finishReason string) string {
	switch finishReason {
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}
