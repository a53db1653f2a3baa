// Package engine orchestrates one request end to end: admission through the
// rate limiter, conversion to the origin format, consumption of the origin
// SSE stream through the think and tool-call parsers, and emission of the
// Anthropic event sequence.
package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/lmrelay/go-claudeproxy/internal/config"
	"github.com/lmrelay/go-claudeproxy/internal/convert"
	"github.com/lmrelay/go-claudeproxy/internal/errmap"
	"github.com/lmrelay/go-claudeproxy/internal/heuristic"
	"github.com/lmrelay/go-claudeproxy/internal/origin"
	"github.com/lmrelay/go-claudeproxy/internal/ratelimit"
	"github.com/lmrelay/go-claudeproxy/internal/sse"
	"github.com/lmrelay/go-claudeproxy/internal/think"
	"github.com/lmrelay/go-claudeproxy/internal/tokens"
	"github.com/lmrelay/go-claudeproxy/internal/types"
)

// Engine serves Messages requests against one configured backend.
type Engine struct {
	cfg     *config.Config
	client  *origin.Client
	limiter *ratelimit.Limiter
	hook    Hook
	logger  *slog.Logger
}

// New wires an Engine for the configured backend.
func New(cfg *config.Config, registry *ratelimit.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	hook := HookFor(cfg.Backend.ID)
	return &Engine{
		cfg:     cfg,
		client:  origin.NewClient(cfg.Backend, cfg.ExtraParams, hook.Headers(), logger),
		limiter: registry.For(cfg.Backend.ID, cfg.Backend.RateLimit, cfg.Backend.RateWindow),
		hook:    hook,
		logger:  logger,
	}
}

// NewMessageID returns a fresh Anthropic-style message id.
func NewMessageID() string {
	u := uuid.New()
	return "msg_" + hex.EncodeToString(u[:])[:24]
}

// prepare converts the incoming request, applies backend hooks and counts
// input tokens.
func (e *Engine) prepare(req *types.AnthropicMessagesRequest, stream bool) (*types.ChatCompletionRequest, int, error) {
	model, effort := convert.SplitModelEffort(e.cfg.ResolveModel(req.Model))

	streamReq := *req
	streamReq.Stream = stream
	oreq, err := convert.ToOrigin(&streamReq, model, convert.Options{
		AllowImages:      e.cfg.Backend.AllowImages,
		DefaultMaxTokens: e.cfg.Backend.DefaultMaxTokens,
		Logger:           e.logger,
	})
	if err != nil {
		return nil, 0, &errmap.MappedError{
			Status:  400,
			Type:    errmap.TypeInvalidRequest,
			Message: err.Error(),
		}
	}
	oreq.ReasoningEffort = effort
	e.hook.PrepareRequest(oreq, req)

	inputTokens := tokens.CountRequest(req.System, req.Messages, req.Tools)
	return oreq, inputTokens, nil
}

// open admits the request through the limiter and opens the origin stream,
// retrying retryable failures up to the configured attempt limit. Transport
// failures that outlast the attempts surface as an overloaded error.
func (e *Engine) open(ctx context.Context, oreq *types.ChatCompletionRequest) (*ssestream.Stream[types.ChatCompletionChunk], error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := e.limiter.Admit(ctx); err != nil {
			return nil, err
		}
		stream, err := e.client.Stream(ctx, oreq)
		if err == nil {
			e.limiter.RecordSuccess()
			return stream, nil
		}
		lastErr = err

		var apiErr *origin.APIError
		if !errors.As(err, &apiErr) {
			if ctx.Err() != nil {
				// never reached the origin, give the slot back
				e.limiter.Release()
				return nil, ctx.Err()
			}
			// connection refused, reset, timed out: the origin may recover
			e.logger.Warn("origin unreachable", "attempt", attempt, "error", err)
			continue
		}
		if apiErr.Mapped.Type == errmap.TypeRateLimit {
			backoff := e.limiter.RecordThrottled(apiErr.RetryAfter)
			e.logger.Warn("origin throttled", "backoff", backoff, "attempt", attempt)
		}
		if !apiErr.Mapped.Retryable {
			return nil, err
		}
		e.logger.Warn("retrying origin request", "attempt", attempt, "error", apiErr.Mapped.Message)
	}

	var apiErr *origin.APIError
	if errors.As(lastErr, &apiErr) {
		return nil, lastErr
	}
	return nil, &errmap.MappedError{
		Status:    http.StatusServiceUnavailable,
		Type:      errmap.TypeOverloaded,
		Message:   fmt.Sprintf("origin unreachable: %v", lastErr),
		Retryable: true,
	}
}

// Stream serves a streaming request, pushing serialized events through emit.
// An error return means nothing was emitted yet and the caller should answer
// with a plain JSON error; failures after the first event are reported
// in-band as an error event.
func (e *Engine) Stream(ctx context.Context, req *types.AnthropicMessagesRequest, emit func([]byte) error) error {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	oreq, inputTokens, err := e.prepare(req, true)
	if err != nil {
		return err
	}
	stream, err := e.open(ctx, oreq)
	if err != nil {
		return err
	}
	defer stream.Close()

	builder := sse.NewBuilder(NewMessageID(), req.Model, inputTokens)
	if err := emit(builder.MessageStart()); err != nil {
		return nil
	}
	if err := emit(builder.Ping()); err != nil {
		return nil
	}

	s := &streamSink{builder: builder, emit: emit}
	finish, usage, consumeErr := e.consume(stream, s)
	if s.emitErr != nil {
		// client went away, nothing left to tell it
		return nil
	}
	if consumeErr != nil {
		e.logger.Warn("origin stream failed mid-response", "error", consumeErr)
		if raw := builder.CloseOpen(); raw != nil {
			emit(raw)
		}
		emit(builder.ErrorEvent(streamErrorBody(consumeErr)))
		return nil
	}

	// a completion with no output still needs one visible block
	if builder.BlockCount() == 0 {
		if err := s.text(" "); err != nil {
			return nil
		}
	}
	if raw := builder.CloseOpen(); raw != nil {
		if err := emit(raw); err != nil {
			return nil
		}
	}

	stopReason := sse.MapStopReason(finish)
	if builder.SawToolUse() {
		stopReason = "tool_use"
	}
	emit(builder.MessageDelta(stopReason, e.finalUsage(usage, inputTokens, builder.OutputText())))
	if raw, err := builder.MessageStop(); err == nil {
		emit(raw)
	}
	return nil
}

// Complete serves a non-streaming request by consuming the origin stream and
// assembling the full message.
func (e *Engine) Complete(ctx context.Context, req *types.AnthropicMessagesRequest) (*types.AnthropicMessageResponse, error) {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	oreq, inputTokens, err := e.prepare(req, true)
	if err != nil {
		return nil, err
	}
	stream, err := e.open(ctx, oreq)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	c := &collectSink{}
	finish, usage, consumeErr := e.consume(stream, c)
	if consumeErr != nil {
		return nil, consumeErr
	}
	c.flushTool()

	content := c.blocks
	var outputText strings.Builder
	for _, b := range content {
		outputText.WriteString(b.Thinking)
		outputText.WriteString(b.Text)
	}
	if len(content) == 0 {
		content = []types.AnthropicContentOut{{Type: "text", Text: " "}}
	}

	stopReason := sse.MapStopReason(finish)
	if c.sawTool {
		stopReason = "tool_use"
	}
	return &types.AnthropicMessageResponse{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Model:      req.Model,
		Content:    content,
		StopReason: types.StringPtr(stopReason),
		Usage:      e.finalUsage(usage, inputTokens, outputText.String()),
	}, nil
}

// withDeadline caps the whole call, origin stream included, at the configured
// request timeout. A stream cut off by the deadline is handled like any other
// origin disconnect.
func (e *Engine) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.RequestTimeout)
}

func (e *Engine) finalUsage(reported *types.Usage, inputTokens int, outputText string) types.AnthropicUsage {
	u := types.AnthropicUsage{InputTokens: inputTokens}
	if reported != nil {
		if reported.PromptTokens > 0 {
			u.InputTokens = reported.PromptTokens
		}
		u.OutputTokens = reported.CompletionTokens
	}
	if u.OutputTokens == 0 && outputText != "" {
		u.OutputTokens = tokens.Count(outputText)
	}
	return u
}

// sink receives the translated output of one origin stream in order.
type sink interface {
	thinking(s string) error
	text(s string) error
	toolStart(id, name string) error
	toolArgs(fragment string) error
	toolDone() error
}

// consume drains the origin stream through the think and heuristic parsers,
// driving the sink. Native tool_calls deltas bypass the heuristic parser.
func (e *Engine) consume(stream *ssestream.Stream[types.ChatCompletionChunk], s sink) (finish string, usage *types.Usage, err error) {
	thinkP := &think.Parser{}
	heurP := heuristic.New()
	nativeIdx := -1
	toolOpen := false

	routeText := func(visible string, calls []heuristic.ToolCall) error {
		if visible != "" {
			if toolOpen {
				if err := s.toolDone(); err != nil {
					return err
				}
				toolOpen = false
			}
			if err := s.text(visible); err != nil {
				return err
			}
		}
		for _, call := range calls {
			if toolOpen {
				if err := s.toolDone(); err != nil {
					return err
				}
			}
			if err := s.toolStart(call.ID, call.Name); err != nil {
				return err
			}
			if err := s.toolArgs(toolCallArguments(call)); err != nil {
				return err
			}
			if err := s.toolDone(); err != nil {
				return err
			}
			toolOpen = false
		}
		return nil
	}

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finish = *choice.FinishReason
		}
		delta := choice.Delta

		if reasoning := e.hook.ReasoningText(&delta); reasoning != "" {
			if toolOpen {
				if err := s.toolDone(); err != nil {
					return finish, usage, err
				}
				toolOpen = false
			}
			if err := s.thinking(reasoning); err != nil {
				return finish, usage, err
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if idx != nativeIdx || !toolOpen {
				if toolOpen {
					if err := s.toolDone(); err != nil {
						return finish, usage, err
					}
				}
				id := tc.ID
				if id == "" {
					u := uuid.New()
					id = "toolu_" + hex.EncodeToString(u[:])[:8]
				}
				if err := s.toolStart(id, tc.Function.Name); err != nil {
					return finish, usage, err
				}
				nativeIdx = idx
				toolOpen = true
				if tc.Function.Arguments != "" {
					if err := s.toolArgs(tc.Function.Arguments); err != nil {
						return finish, usage, err
					}
				}
				continue
			}
			if tc.Function.Arguments != "" {
				if err := s.toolArgs(tc.Function.Arguments); err != nil {
					return finish, usage, err
				}
			}
		}

		if delta.Content != "" {
			for _, seg := range thinkP.Feed(delta.Content) {
				switch seg.Kind {
				case think.Thinking:
					if err := s.thinking(seg.Content); err != nil {
						return finish, usage, err
					}
				case think.Text:
					visible, calls := heurP.Feed(seg.Content)
					if err := routeText(visible, calls); err != nil {
						return finish, usage, err
					}
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return finish, usage, err
	}

	// end of stream: drain both parsers
	if seg := thinkP.Flush(); seg != nil {
		switch seg.Kind {
		case think.Thinking:
			if err := s.thinking(seg.Content); err != nil {
				return finish, usage, err
			}
		case think.Text:
			visible, calls := heurP.Feed(seg.Content)
			if err := routeText(visible, calls); err != nil {
				return finish, usage, err
			}
		}
	}
	visible, calls := heurP.Flush()
	if err := routeText(visible, calls); err != nil {
		return finish, usage, err
	}
	if toolOpen {
		if err := s.toolDone(); err != nil {
			return finish, usage, err
		}
	}
	return finish, usage, nil
}

// toolCallArguments returns the JSON argument payload for a detected call.
// Calls that never formed valid JSON surface the failure to the client
// instead of silently dropping the buffer.
func toolCallArguments(call heuristic.ToolCall) string {
	if !call.ParseError {
		return call.Arguments
	}
	payload, _ := json.Marshal(map[string]string{
		"error": "malformed tool arguments",
		"raw":   call.Raw,
	})
	return string(payload)
}

func streamErrorBody(err error) types.AnthropicErrorBody {
	var apiErr *origin.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Mapped.Envelope()
	}
	var mapped *errmap.MappedError
	if errors.As(err, &mapped) {
		return mapped.Envelope()
	}
	return types.AnthropicErrorBody{
		Type:    errmap.TypeAPI,
		Message: fmt.Sprintf("stream interrupted: %v", err),
	}
}

// streamSink forwards sink callbacks as serialized events.
type streamSink struct {
	builder *sse.Builder
	emit    func([]byte) error
	emitErr error
}

func (s *streamSink) send(raw []byte) error {
	if s.emitErr != nil {
		return s.emitErr
	}
	if err := s.emit(raw); err != nil {
		s.emitErr = err
		return err
	}
	return nil
}

func (s *streamSink) ensure(kind sse.BlockKind) error {
	if s.builder.OpenKind() == kind {
		return nil
	}
	if raw := s.builder.CloseOpen(); raw != nil {
		if err := s.send(raw); err != nil {
			return err
		}
	}
	_, raw, err := s.builder.StartBlock(kind)
	if err != nil {
		return err
	}
	return s.send(raw)
}

func (s *streamSink) thinking(text string) error {
	if err := s.ensure(sse.KindThinking); err != nil {
		return err
	}
	raw, err := s.builder.Delta(s.builder.OpenIndex(), sse.ThinkingDelta(text))
	if err != nil {
		return err
	}
	return s.send(raw)
}

func (s *streamSink) text(text string) error {
	if err := s.ensure(sse.KindText); err != nil {
		return err
	}
	raw, err := s.builder.Delta(s.builder.OpenIndex(), sse.TextDelta(text))
	if err != nil {
		return err
	}
	return s.send(raw)
}

func (s *streamSink) toolStart(id, name string) error {
	if raw := s.builder.CloseOpen(); raw != nil {
		if err := s.send(raw); err != nil {
			return err
		}
	}
	_, raw, err := s.builder.StartToolBlock(id, name)
	if err != nil {
		return err
	}
	return s.send(raw)
}

func (s *streamSink) toolArgs(fragment string) error {
	raw, err := s.builder.Delta(s.builder.OpenIndex(), sse.JSONDelta(fragment))
	if err != nil {
		return err
	}
	return s.send(raw)
}

func (s *streamSink) toolDone() error {
	if s.builder.OpenKind() != sse.KindToolUse {
		return nil
	}
	raw, err := s.builder.StopBlock(s.builder.OpenIndex())
	if err != nil {
		return err
	}
	return s.send(raw)
}

// collectSink accumulates sink callbacks into response content blocks.
type collectSink struct {
	blocks  []types.AnthropicContentOut
	sawTool bool

	toolID   string
	toolName string
	toolArgB strings.Builder
	inTool   bool
}

func (c *collectSink) last(kind string) *types.AnthropicContentOut {
	if c.inTool {
		c.flushTool()
	}
	if n := len(c.blocks); n > 0 && c.blocks[n-1].Type == kind {
		return &c.blocks[n-1]
	}
	c.blocks = append(c.blocks, types.AnthropicContentOut{Type: kind})
	return &c.blocks[len(c.blocks)-1]
}

func (c *collectSink) thinking(s string) error {
	c.last("thinking").Thinking += s
	return nil
}

func (c *collectSink) text(s string) error {
	c.last("text").Text += s
	return nil
}

func (c *collectSink) toolStart(id, name string) error {
	c.flushTool()
	c.toolID, c.toolName = id, name
	c.inTool = true
	c.sawTool = true
	return nil
}

func (c *collectSink) toolArgs(fragment string) error {
	c.toolArgB.WriteString(fragment)
	return nil
}

func (c *collectSink) toolDone() error {
	c.flushTool()
	return nil
}

func (c *collectSink) flushTool() {
	if !c.inTool {
		return
	}
	input := map[string]any{}
	raw := c.toolArgB.String()
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			input = map[string]any{"error": "malformed tool arguments", "raw": raw}
		}
	}
	c.blocks = append(c.blocks, types.AnthropicContentOut{
		Type:  "tool_use",
		ID:    c.toolID,
		Name:  c.toolName,
		Input: input,
	})
	c.toolID, c.toolName = "", ""
	c.toolArgB.Reset()
	c.inTool = false
}
