// Package server exposes the relay over HTTP: the upstream webhook, the chat
// history and status API, the viewer websocket, and the account connect flow.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dmrelay/internal/auth"
	"dmrelay/internal/chatlog"
	"dmrelay/internal/config"
	"dmrelay/internal/domain"
	"dmrelay/internal/metrics"
)

// Config wires the server to the rest of the relay.
type Config struct {
	Config   *config.Config
	Provider domain.Provider
	ChatLog  *chatlog.Log
	Viewers  http.Handler // websocket endpoint
	Accounts domain.AccountStore
	OAuth    *auth.Client
	Pending  *auth.PendingStore
	Logger   *slog.Logger
}

// Server is the relay's HTTP front end.
type Server struct {
	cfg      *config.Config
	provider domain.Provider
	chatLog  *chatlog.Log
	viewers  http.Handler
	accounts domain.AccountStore
	oauth    *auth.Client
	pending  *auth.PendingStore
	logger   *slog.Logger

	httpServer *http.Server
}

// New creates a Server. Call Handler for tests or Run to listen.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg.Config,
		provider: cfg.Provider,
		chatLog:  cfg.ChatLog,
		viewers:  cfg.Viewers,
		accounts: cfg.Accounts,
		oauth:    cfg.OAuth,
		pending:  cfg.Pending,
		logger:   logger,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(s.logger))
	r.Use(loggingMiddleware(s.logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/status", s.handleStatus)

	webhook := s.cfg.Provider.WebhookPath
	r.Get(webhook, s.provider.VerifyInboundChallenge)
	r.Post(webhook, s.provider.IngestInbound)

	r.Get("/api/chats", s.handleListChats)
	r.Delete("/api/chats", s.handleClearChats)

	r.Route("/api/accounts", func(r chi.Router) {
		r.Get("/", s.handleListAccounts)
		r.Delete("/{id}", s.handleDeleteAccount)
	})

	r.Get("/auth/connect", s.handleConnect)
	r.Get("/auth/callback", s.handleCallback)

	if s.viewers != nil {
		r.Handle("/ws", s.viewers)
	}

	if s.cfg.Metrics.Enabled {
		r.Get(s.cfg.Metrics.Endpoint, metrics.Collector.Handler())
	}
	return r
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("http server starting",
		"addr", addr,
		"provider", s.provider.Kind(),
		"webhook", s.cfg.Provider.WebhookPath,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
