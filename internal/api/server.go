// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

// Package api provides the HTTP surface: health, metrics, the live
// websocket feed, and a small read-only view of sessions and rules.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/durzo/tracearr/internal/config"
	"github.com/durzo/tracearr/internal/database"
	"github.com/durzo/tracearr/internal/logging"
	"github.com/durzo/tracearr/internal/models"
	"github.com/durzo/tracearr/internal/sessionstore"
	"github.com/durzo/tracearr/internal/websocket"
)

// Server hosts the HTTP routes and runs under the supervisor tree.
type Server struct {
	cfg   config.ServerConfig
	store sessionstore.Store
	db    *database.DB
	hub   *websocket.Hub
	http  *http.Server
}

// NewServer builds the HTTP server with routes and middleware attached.
func NewServer(cfg config.ServerConfig, store sessionstore.Store, db *database.DB, hub *websocket.Hub) *Server {
	s := &Server{
		cfg:   cfg,
		store: store,
		db:    db,
		hub:   hub,
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
		IdleTimeout:       2 * timeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)

	limit := s.cfg.RateLimitReqs
	if limit <= 0 {
		limit = 100
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(limit, time.Minute))
		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/history", s.handleSessionHistory)
		r.Get("/rules", s.handleRules)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "database unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWS(s.hub, w, r)
}

// handleSessions returns the live projections, confirmed and pending alike.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	projections, err := s.store.ListProjections(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("list projections failed")
		writeError(w, http.StatusInternalServerError, "session store unavailable")
		return
	}
	if projections == nil {
		projections = []*models.SessionProjection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": projections})
}

// handleSessionHistory returns the persisted active sessions, newest first.
func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.db.ListActiveSessions(r.Context())
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		logging.Error().Err(err).Msg("list active sessions failed")
		writeError(w, http.StatusInternalServerError, "database unavailable")
		return
	}
	if sessions == nil {
		sessions = []*models.StreamSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.db.ListActiveRules(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("list rules failed")
		writeError(w, http.StatusInternalServerError, "database unavailable")
		return
	}
	if rules == nil {
		rules = []*models.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// Serve runs the HTTP server until the context is canceled.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.http.Addr).Msg("http server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("http server shutdown incomplete")
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// String identifies the server in supervisor logs.
func (s *Server) String() string {
	return "http-server"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
