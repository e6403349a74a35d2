// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"youtube-notifier/manager"
	"youtube-notifier/metrics"
	"youtube-notifier/pkg/tracker"
	"youtube-notifier/poll"
)

// Manager interface for subscription commands.
type Manager interface {
	Subscribe(ctx context.Context, input, destination string) (*tracker.Subscription, error)
	Unsubscribe(ctx context.Context, input, guild, destination string) (*manager.Removal, error)
	SetOption(ctx context.Context, input, guild, destination string, opt tracker.Option) error
	TogglePublish(ctx context.Context, input, guild, destination string) (bool, error)
	List(ctx context.Context, guild string) ([]manager.Group, error)
	Info(ctx context.Context, input, guild string) (*manager.Info, error)
	Delete(ctx context.Context, input string) (*manager.Removal, error)
	Migrate(ctx context.Context, data []byte) (*manager.MigrateResult, error)
}

// Poller interface for triggering checks and changing the schedule.
type Poller interface {
	CheckAll(ctx context.Context) error
	SetInterval(ctx context.Context, d time.Duration) (time.Duration, error)
	Interval() time.Duration
}

// Server handles HTTP requests.
type Server struct {
	manager    Manager
	poller     Poller
	logger     *slog.Logger
	limiter    *rateLimiter
	adminToken string
}

// Config holds server configuration.
type Config struct {
	Manager    Manager
	Poller     Poller
	Logger     *slog.Logger
	AdminToken string // Empty disables the command API
	RateLimit  int    // Commands per client IP per minute, 0 means 60
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 60
	}
	return &Server{
		manager:    cfg.Manager,
		poller:     cfg.Poller,
		logger:     cfg.Logger,
		limiter:    newRateLimiter(limit, time.Minute),
		adminToken: cfg.AdminToken,
	}
}

// Handler returns the router for all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /pollz", s.handlePoll)
	mux.Handle("GET /metrics", metrics.Handler())

	api := map[string]http.HandlerFunc{
		"POST /api/subscribe":    s.handleSubscribe,
		"POST /api/unsubscribe":  s.handleUnsubscribe,
		"GET /api/subscriptions": s.handleList,
		"GET /api/info":          s.handleInfo,
		"POST /api/message":      s.handleMessage,
		"POST /api/mention":      s.handleMention,
		"POST /api/publish":      s.handlePublish,
		"POST /api/plain":        s.handlePlain,
		"POST /api/interval":     s.handleInterval,
		"POST /api/delete":       s.handleDelete,
		"POST /api/migrate":      s.handleMigrate,
	}
	for pattern, h := range api {
		mux.Handle(pattern, s.command(h))
	}
	return mux
}

// ListenAndServe starts the server and shuts it down when ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // Manual polls can take a while
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// command wraps API handlers with rate limiting and bearer authentication.
func (s *Server) command(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.allow(ip) {
			s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests, try again later"}, s.logger)
			return
		}
		if s.adminToken == "" {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "command API disabled"}, s.logger)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			s.logger.Warn("Rejected unauthenticated command", "ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid or missing token"}, s.logger)
			return
		}
		next(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	err := s.poller.CheckAll(r.Context())
	if errors.Is(err, poll.ErrCheckRunning) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()}, s.logger)
		return
	}
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
