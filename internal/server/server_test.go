package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lmrelay/go-claudeproxy/internal/config"
	"github.com/lmrelay/go-claudeproxy/internal/engine"
	"github.com/lmrelay/go-claudeproxy/internal/ratelimit"
)

// newStack spins up a canned origin and a Server wired to it.
func newStack(t *testing.T, origin http.HandlerFunc) (*httptest.Server, func()) {
	t.Helper()
	originSrv := httptest.NewServer(origin)
	cfg := &config.Config{
		Backend: config.Backend{
			ID:         config.BackendNvidia,
			BaseURL:    originSrv.URL,
			APIKey:     "test-key",
			RateLimit:  100,
			RateWindow: time.Minute,
		},
		ModelDefault: "deepseek-ai/deepseek-v3.1",
		MaxRetries:   1,
	}
	e := engine.New(cfg, ratelimit.NewRegistry(), nil)
	srv := httptest.NewServer(New(e, nil))
	return srv, func() {
		srv.Close()
		originSrv.Close()
	}
}

func sseOrigin(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			io.WriteString(w, "data: "+c+"\n\n")
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

const helloChunk = `{"id":"c1","choices":[{"index":0,"delta":{"content":"hello"},"finish_reason":"stop"}]}`

func TestStreamingMessages(t *testing.T) {
	srv, done := newStack(t, sseOrigin(helloChunk))
	defer done()

	resp := post(t, srv.URL+"/v1/messages",
		`{"model":"claude-sonnet-4","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %s", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		"event: message_start", "event: content_block_start",
		"event: content_block_delta", "event: content_block_stop",
		"event: message_delta", "event: message_stop",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("response missing %q", want)
		}
	}
	if !strings.Contains(text, `"text":"hello"`) {
		t.Errorf("delta content missing: %s", text)
	}
}

func TestNonStreamingMessages(t *testing.T) {
	srv, done := newStack(t, sseOrigin(helloChunk))
	defer done()

	resp := post(t, srv.URL+"/v1/messages",
		`{"model":"claude-sonnet-4","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["type"] != "message" || out["role"] != "assistant" {
		t.Fatalf("envelope = %v", out)
	}
	content := out["content"].([]any)
	first := content[0].(map[string]any)
	if first["text"] != "hello" {
		t.Fatalf("content = %v", content)
	}
	if out["stop_reason"] != "end_turn" {
		t.Fatalf("stop_reason = %v", out["stop_reason"])
	}
}

func TestOriginAuthFailurePassthrough(t *testing.T) {
	srv, done := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key"}}`)
	})
	defer done()

	resp := post(t, srv.URL+"/v1/messages",
		`{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	errBody := out["error"].(map[string]any)
	if errBody["type"] != "authentication_error" {
		t.Fatalf("error = %v", errBody)
	}
}

func TestInvalidBody(t *testing.T) {
	srv, done := newStack(t, sseOrigin())
	defer done()

	resp := post(t, srv.URL+"/v1/messages", `{not json`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestEmptyMessagesRejected(t *testing.T) {
	srv, done := newStack(t, sseOrigin())
	defer done()

	resp := post(t, srv.URL+"/v1/messages", `{"model":"m","messages":[]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCountTokens(t *testing.T) {
	srv, done := newStack(t, sseOrigin())
	defer done()

	resp := post(t, srv.URL+"/v1/messages/count_tokens",
		`{"model":"m","messages":[{"role":"user","content":"count these tokens for me please"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["input_tokens"] <= 0 {
		t.Fatalf("input_tokens = %d", out["input_tokens"])
	}
}

func TestHealth(t *testing.T) {
	srv, done := newStack(t, sseOrigin())
	defer done()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMethodRouting(t *testing.T) {
	srv, done := newStack(t, sseOrigin())
	defer done()

	resp, err := http.Get(srv.URL + "/v1/messages")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /v1/messages status = %d", resp.StatusCode)
	}
}
