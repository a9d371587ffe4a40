// Package webhook exposes the inbound event receiver. The scanner posts
// filtered events here; every request gets a 200 with a per-event summary,
// because a retrying scanner that re-posts on 5xx would only duplicate
// load without fixing anything on our side.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/parser"
)

// maxBodyBytes bounds a single POST. Scanners batch aggressively; 8MB
// covers the largest batches seen in practice.
const maxBodyBytes = 8 << 20

// Server handles HTTP requests from the scanner fleet.
type Server struct {
	parser     *parser.Parser
	token      string
	mux        *http.ServeMux
	httpServer *http.Server
}

// ServerConfig holds configuration for the webhook server.
type ServerConfig struct {
	Parser *parser.Parser
	Token  string // optional bearer token; empty disables the check
}

// NewServer creates a new webhook server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		parser: cfg.Parser,
		token:  cfg.Token,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("/webhook", s.handleWebhook)
	s.mux.HandleFunc("/health", s.handleHealth)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// event is one inbound payload: a type tag plus the normalized fields.
type event struct {
	Type    string         `json:"type"`
	Message map[string]any `json:"message"`
}

// Summary is the JSON response body for /webhook.
type Summary struct {
	Processed int    `json:"processed"`
	Ignored   int    `json:"ignored"`
	Errors    int    `json:"errors"`
	Error     string `json:"error,omitempty"`
}

// handleWebhook handles POST /webhook with a single event object or an
// array of them. Per-event failures are counted, never surfaced as HTTP
// errors.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}
	if !s.authorized(r) {
		s.writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer func() { _ = r.Body.Close() }()

	events, err := decodeEvents(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	var sum Summary
	ctx := r.Context()
	for _, ev := range events {
		switch s.parser.ProcessEvent(ctx, ev.Type, ev.Message) {
		case parser.Processed:
			sum.Processed++
		case parser.Ignored:
			sum.Ignored++
		case parser.Failed:
			sum.Errors++
		}
	}
	if sum.Errors > 0 {
		log.Warnf("webhook: batch of %d finished with %d errors", len(events), sum.Errors)
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sum)
}

// decodeEvents accepts either a single event object or an array.
func decodeEvents(body []byte) ([]event, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var events []event
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	return []event{ev}, nil
}

// authorized checks the optional bearer token in constant time.
func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	got, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

// handleHealth handles GET /health for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeError writes a JSON error response. Only protocol-level problems
// (bad method, bad auth, unreadable JSON) get a non-200.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Summary{Error: message})
}
