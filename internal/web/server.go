// Package web implements the gateway's inbound HTTP API. Every JSON
// reply is wrapped in the envelope {meta_data: {code, message}, data}.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fitaja/livia-gateway/internal/auth"
	"github.com/fitaja/livia-gateway/internal/config"
	"github.com/fitaja/livia-gateway/internal/gateway"
	"github.com/fitaja/livia-gateway/internal/session"
	"github.com/fitaja/livia-gateway/internal/storage"
)

// maxUploadBytes caps attachment uploads at 4 MB.
const maxUploadBytes = 4 << 20

type metaData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	MetaData metaData `json:"meta_data"`
	Data     any      `json:"data"`
}

// Server is the inbound HTTP server.
type Server struct {
	address      string
	port         int
	orchestrator *gateway.Orchestrator
	sessions     *session.Store
	files        *storage.Store
	tokens       *auth.Tokens
	sharedKey    string
	models       []config.ModelConfig
	logger       *slog.Logger
	server       *http.Server
}

// NewServer wires the HTTP layer. sharedKey guards the token-mint
// endpoint.
func NewServer(cfg *config.Config, orch *gateway.Orchestrator, sessions *session.Store, files *storage.Store, tokens *auth.Tokens, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:      cfg.Listen.Address,
		port:         cfg.Listen.Port,
		orchestrator: orch,
		sessions:     sessions,
		files:        files,
		tokens:       tokens,
		sharedKey:    cfg.JWT.Key,
		models:       cfg.Models,
		logger:       logger.With("component", "web"),
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat and history endpoints require a bearer token.
	mux.Handle("POST /api/gemini/text-only", s.withAuth(http.HandlerFunc(s.handleTextOnly)))
	mux.Handle("POST /api/gemini/text-and-image", s.withAuth(http.HandlerFunc(s.handleTextAndImage)))
	mux.Handle("GET /api/chat-histories", s.withAuth(http.HandlerFunc(s.handleListHistories)))
	mux.Handle("GET /api/chat-history/{sessionId}", s.withAuth(http.HandlerFunc(s.handleGetHistory)))
	mux.Handle("DELETE /api/chat-history/{sessionId}", s.withAuth(http.HandlerFunc(s.handleDeleteHistory)))
	mux.Handle("GET /api/models", s.withAuth(http.HandlerFunc(s.handleModels)))

	// Open endpoints.
	mux.HandleFunc("GET /api/auth-token/{secretKey}", s.handleAuthToken)
	mux.HandleFunc("GET /api/files/{fileName}", s.handleGetFile)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // upstream calls can run long
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeEnvelope writes the standard response envelope with the given
// HTTP status mirrored into meta_data.code.
func (s *Server) writeEnvelope(w http.ResponseWriter, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := envelope{
		MetaData: metaData{Code: code, Message: message},
		Data:     data,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.writeEnvelope(w, code, message, nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeEnvelope(w, http.StatusOK, "OK", map[string]string{"status": "healthy"})
}
