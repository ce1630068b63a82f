// Package server exposes the Anthropic-compatible HTTP surface and mounts
// the admin API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kirogate/internal/admin"
	"kirogate/internal/anthropic"
	"kirogate/internal/proxy"
)

// Server is the gateway HTTP server.
type Server struct {
	orchestrator *proxy.Orchestrator
	admin        *admin.Handler
	staticDir    string
	httpServer   *http.Server
}

// New builds the server. staticDir, when it exists, is served at the root
// for the admin UI; pass "" to disable.
func New(addr string, orchestrator *proxy.Orchestrator, adminHandler *admin.Handler, staticDir string) *Server {
	s := &Server{
		orchestrator: orchestrator,
		admin:        adminHandler,
		staticDir:    staticDir,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes assembles the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/v1/messages", s.handleMessages)
	r.Post("/claude/v1/messages", s.handleMessages)
	r.Mount("/admin", s.admin.Routes())

	if s.staticDir != "" {
		if info, err := os.Stat(s.staticDir); err == nil && info.IsDir() {
			r.Handle("/*", http.FileServer(http.Dir(s.staticDir)))
		}
	}
	return r
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	log.Printf("[Server] listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// apiKey extracts the client credential: x-api-key first, then a bearer
// Authorization header.
func apiKey(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[Server] write response: %v", err)
	}
}

func writeAPIError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, anthropic.ErrorBody{
		Type:  "error",
		Error: anthropic.ErrorDetail{Type: errType, Message: message},
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	accountName, err := s.orchestrator.ResolveAccount(apiKey(r))
	if err != nil {
		if errors.Is(err, proxy.ErrUnknownAPIKey) {
			writeAPIError(w, http.StatusUnauthorized, "authentication_error", "invalid api key")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	var req anthropic.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	log.Printf("[Server] %s model=%s stream=%t account=%s", r.URL.Path, req.Model, req.Stream, accountName)

	if req.Stream {
		s.streamMessages(w, r, accountName, &req)
		return
	}

	resp, err := s.orchestrator.Complete(r.Context(), accountName, &req)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) streamMessages(w http.ResponseWriter, r *http.Request, accountName string, req *anthropic.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "api_error", "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(sse string) error {
		if _, err := w.Write([]byte(sse)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := s.orchestrator.Stream(r.Context(), accountName, req, emit); err != nil {
		// The client went away; nothing more can be written.
		log.Printf("[Server] stream aborted for %s: %v", accountName, err)
	}
}
