// Package origin talks to the OpenAI-compatible chat completion endpoint of
// the configured backend. It owns request serialization, extension-key
// injection, SSE decoding of the response and translation of HTTP failures
// into the vendor error taxonomy.
package origin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/tidwall/sjson"

	"github.com/lmrelay/go-claudeproxy/internal/config"
	"github.com/lmrelay/go-claudeproxy/internal/errmap"
	"github.com/lmrelay/go-claudeproxy/internal/types"
)

// maxErrorBody caps how much of a failed response is read for diagnostics.
const maxErrorBody = 64 << 10

// APIError is an origin HTTP failure carrying the mapped vendor error and
// the server's Retry-After hint, when present.
type APIError struct {
	Mapped     *errmap.MappedError
	RetryAfter time.Duration
}

func (e *APIError) Error() string { return e.Mapped.Error() }

func (e *APIError) Unwrap() error { return e.Mapped }

// Client issues chat completion requests against one backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	headers    map[string]string
	extra      map[string]json.RawMessage
	logger     *slog.Logger
}

// NewClient builds a Client for the backend. Extra headers are sent on every
// request (OpenRouter attribution headers use this).
func NewClient(backend config.Backend, extra map[string]json.RawMessage, headers map[string]string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{}, // per-request deadlines come from ctx
		baseURL:    backend.BaseURL,
		apiKey:     backend.APIKey,
		headers:    headers,
		extra:      extra,
		logger:     logger,
	}
}

// Stream POSTs the chat completion request and returns the decoded SSE
// stream of chunks. The caller must Close the stream.
func (c *Client) Stream(ctx context.Context, req *types.ChatCompletionRequest) (*ssestream.Stream[types.ChatCompletionChunk], error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return ssestream.NewStream[types.ChatCompletionChunk](ssestream.NewDecoder(resp), nil), nil
}

func (c *Client) do(ctx context.Context, req *types.ChatCompletionRequest) (*http.Response, error) {
	body, err := c.marshalRequest(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("origin request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		mapped := errmap.Map(resp.StatusCode, raw)
		retryAfter := parseRetryAfter(resp)
		c.logger.Warn("origin error",
			"status", resp.StatusCode,
			"type", mapped.Type,
			"retry_after", retryAfter,
			"elapsed", time.Since(started).Round(time.Millisecond))
		return nil, &APIError{Mapped: mapped, RetryAfter: retryAfter}
	}
	return resp, nil
}

// marshalRequest serializes the request and splices the configured extension
// keys into the body. Extension keys override what the converter produced.
func (c *Client) marshalRequest(req *types.ChatCompletionRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	for key, raw := range c.extra {
		body, err = sjson.SetRawBytes(body, key, raw)
		if err != nil {
			return nil, fmt.Errorf("extension key %s: %w", key, err)
		}
	}
	return body, nil
}

// parseRetryAfter reads the server's throttling hint: Retry-After in either
// the seconds or the HTTP-date form, falling back to the X-RateLimit-Reset
// family. Missing or malformed headers yield zero.
func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			if secs < 0 {
				return 0
			}
			return time.Duration(secs) * time.Second
		}
		if when, err := http.ParseTime(v); err == nil {
			if d := time.Until(when); d > 0 {
				return d
			}
		}
		return 0
	}
	for _, name := range []string{"X-RateLimit-Reset-Requests", "X-RateLimit-Reset"} {
		if v := resp.Header.Get(name); v != "" {
			return parseResetValue(v)
		}
	}
	return 0
}

// parseResetValue accepts the shapes backends put in reset headers: a Go-style
// duration ("2.5s"), a unix timestamp, or plain seconds.
func parseResetValue(v string) time.Duration {
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n <= 0 {
		return 0
	}
	// values past ~2001 in epoch seconds are timestamps, not durations
	if n > 1e9 {
		if d := time.Until(time.Unix(int64(n), 0)); d > 0 {
			return d
		}
		return 0
	}
	return time.Duration(n * float64(time.Second))
}
