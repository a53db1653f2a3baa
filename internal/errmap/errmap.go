// Package errmap classifies origin API failures into the Anthropic error
// envelope the downstream client understands.
package errmap

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lmrelay/go-claudeproxy/internal/types"
)

// Error types of the Anthropic error envelope.
const (
	TypeAuthentication = "authentication_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeNotFound       = "not_found_error"
	TypeRateLimit      = "rate_limit_error"
	TypeOverloaded     = "overloaded_error"
	TypeAPI            = "api_error"
)

// MappedError is a classified origin failure.
type MappedError struct {
	Status    int
	Type      string
	Message   string
	Retryable bool
}

// Error implements the error interface.
func (e *MappedError) Error() string {
	return fmt.Sprintf("origin returned HTTP %d (%s): %s", e.Status, e.Type, e.Message)
}

// Envelope returns the Anthropic-shaped error body.
func (e *MappedError) Envelope() types.AnthropicErrorBody {
	return types.AnthropicErrorBody{Type: e.Type, Message: e.Message}
}

// Map classifies an origin HTTP status and raw error body.
func Map(status int, body []byte) *MappedError {
	msg := extractMessage(body)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &MappedError{Status: status, Type: TypeAuthentication, Retryable: false,
			Message: orDefault(msg, "invalid or missing API key")}

	case status == http.StatusNotFound:
		return &MappedError{Status: status, Type: TypeInvalidRequest, Retryable: false,
			Message: orDefault(msg, "model not found")}

	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &MappedError{Status: status, Type: TypeInvalidRequest, Retryable: false,
			Message: orDefault(msg, "invalid request")}

	case status == http.StatusTooManyRequests:
		return &MappedError{Status: status, Type: TypeRateLimit, Retryable: true,
			Message: orDefault(msg, "rate limit exceeded")}

	case status >= 500:
		typ := TypeAPI
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "overloaded") || strings.Contains(lower, "capacity") {
			typ = TypeOverloaded
		}
		return &MappedError{Status: status, Type: typ, Retryable: true,
			Message: orDefault(msg, formatRaw(status, body))}
	}

	// Unrecognized status, possibly with an unparseable body: surface the
	// raw material for diagnostics and do not retry.
	if msg == "" {
		msg = formatRaw(status, body)
	}
	return &MappedError{Status: status, Type: TypeAPI, Retryable: false, Message: msg}
}

// extractMessage pulls a human-readable message out of whatever error shape
// the origin produced. OpenAI-compatible servers mostly nest it under
// "error.message", but proxies and gateways vary.
func extractMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || !gjson.Valid(trimmed) {
		return ""
	}
	for _, path := range []string{"error.message", "message", "detail", "error", "errors.0.message"} {
		v := gjson.Get(trimmed, path)
		if v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return strings.TrimSpace(v.Str)
		}
	}
	return ""
}

func formatRaw(status int, body []byte) string {
	statusText := fmt.Sprintf("%d", status)
	if t := http.StatusText(status); t != "" {
		statusText = fmt.Sprintf("%d %s", status, t)
	}
	if preview := compactPreview(body, 280); preview != "" {
		return fmt.Sprintf("origin returned HTTP %s with unparsed body: %s", statusText, preview)
	}
	return fmt.Sprintf("origin returned HTTP %s with empty error body", statusText)
}

func compactPreview(body []byte, maxLen int) string {
	clean := strings.Join(strings.Fields(strings.TrimSpace(string(body))), " ")
	if len(clean) <= maxLen {
		return clean
	}
	return clean[:maxLen] + "..."
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
