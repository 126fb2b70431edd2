// Package api serves the host's status surface over HTTP: connection
// snapshots, the dead-letter log, and a live diagnostics event stream.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/taquila123/remix-plugin/internal/deadletter"
	"github.com/taquila123/remix-plugin/internal/host"
)

// StatusLister provides connection snapshots.
type StatusLister interface {
	Statuses() []host.Status
}

// DeadLetterReader provides read access to the dead-letter log.
type DeadLetterReader interface {
	Recent(ctx context.Context, limit int) ([]deadletter.Entry, error)
	Count(ctx context.Context) (int, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is a bearer token protecting everything except /healthz.
	// Empty means the protected routes reject all requests.
	APIKey string
}

// Server is the HTTP status server.
type Server struct {
	config    Config
	statuses  StatusLister
	letters   DeadLetterReader
	events    *EventHub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a server. letters may be nil when dead-letter persistence is
// disabled; the endpoint then reports empty.
func New(config Config, statuses StatusLister, letters DeadLetterReader, events *EventHub, logger *slog.Logger) *Server {
	if events == nil {
		events = NewEventHub(256)
	}
	return &Server{
		config:    config,
		statuses:  statuses,
		letters:   letters,
		events:    events,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Events returns the hub the host publishes diagnostics into.
func (s *Server) Events() *EventHub {
	return s.events
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes configures the HTTP router.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/connections", s.handleConnections)
		r.Get("/v1/deadletters", s.handleDeadLetters)
		r.Get("/v1/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := extractBearer(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !validKey(key, s.config.APIKey) {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validKey(provided, configured string) bool {
	if configured == "" || provided == "" {
		return false
	}
	if len(provided) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	const prefix = "Bearer "
	if len(auth) < len(prefix) || auth[:len(prefix)] != prefix {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	return auth[len(prefix):], nil
}
