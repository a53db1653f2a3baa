// Package server exposes the Anthropic-compatible HTTP surface:
// POST /v1/messages (streaming and non-streaming), token counting and a
// health probe.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lmrelay/go-claudeproxy/internal/engine"
	"github.com/lmrelay/go-claudeproxy/internal/errmap"
	"github.com/lmrelay/go-claudeproxy/internal/tokens"
	"github.com/lmrelay/go-claudeproxy/internal/types"
)

// maxBodyBytes caps incoming request bodies. Coding-agent conversations get
// large, so the limit is generous.
const maxBodyBytes = 64 << 20

// Server routes Anthropic-protocol requests into the engine.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
	mux    *http.ServeMux
}

// New builds the HTTP server around an engine.
func New(e *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: e, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /v1/messages", s.handleMessages)
	s.mux.HandleFunc("POST /v1/messages/count_tokens", s.handleCountTokens)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req types.AnthropicMessagesRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, errmap.TypeInvalidRequest, err.Error())
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, errmap.TypeInvalidRequest, "messages must not be empty")
		return
	}

	started := time.Now()
	if req.Stream {
		s.streamMessages(w, r, &req)
	} else {
		s.completeMessages(w, r, &req)
	}
	s.logger.Info("request served",
		"model", req.Model,
		"stream", req.Stream,
		"elapsed", time.Since(started).Round(time.Millisecond))
}

func (s *Server) streamMessages(w http.ResponseWriter, r *http.Request, req *types.AnthropicMessagesRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errmap.TypeAPI, "streaming unsupported by connection")
		return
	}

	// headers go out lazily: a pre-stream failure still needs to answer
	// with a plain JSON error and a real status code
	headersSent := false
	emit := func(raw []byte) error {
		if !headersSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			headersSent = true
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := s.engine.Stream(r.Context(), req, emit); err != nil && !headersSent {
		s.writeMappedError(w, err)
	}
}

func (s *Server) completeMessages(w http.ResponseWriter, r *http.Request, req *types.AnthropicMessagesRequest) {
	resp, err := s.engine.Complete(r.Context(), req)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req types.AnthropicCountTokensRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, errmap.TypeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, types.AnthropicCountTokensResponse{
		InputTokens: tokens.CountRequest(req.System, req.Messages, req.Tools),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

// writeMappedError answers with the vendor envelope for a classified origin
// failure, falling back to a 500 api_error for anything unclassified.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	var mapped *errmap.MappedError
	if errors.As(err, &mapped) {
		s.writeError(w, mapped.Status, mapped.Type, mapped.Message)
		return
	}
	s.logger.Error("unclassified failure", "error", err)
	s.writeError(w, http.StatusInternalServerError, errmap.TypeAPI, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, types.AnthropicErrorResponse{
		Type:  "error",
		Error: types.AnthropicErrorBody{Type: errType, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("write response", "error", err)
	}
}
