package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rickgao/airsense-sync/internal/coordinator"
	"github.com/rickgao/airsense-sync/internal/model"
	"github.com/rickgao/airsense-sync/internal/version"
)

// Syncer is the agent being exposed. *coordinator.Coordinator implements it.
type Syncer interface {
	Status() coordinator.Status
	Refresh() bool
	SetTarget(target string)
}

// Subscriber streams delivered updates. *stream.Bus implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, target string) <-chan model.Update
}

// Pinger checks archive health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds server configuration.
type Config struct {
	Addr           string
	StatusInterval time.Duration // Status frame period on /ws
	HealthTimeout  time.Duration
}

// DefaultConfig returns default server settings.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		StatusInterval: 5 * time.Second,
		HealthTimeout:  5 * time.Second,
	}
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg    Config
	syncer Syncer
	bus    Subscriber
	db     Pinger
	logger *slog.Logger
}

// New creates a Server. db may be nil when no archive is configured.
func New(cfg Config, syncer Syncer, bus Subscriber, db Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaults.StatusInterval
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaults.HealthTimeout
	}

	return &Server{
		cfg:    cfg,
		syncer: syncer,
		bus:    bus,
		db:     db,
		logger: logger.With("component", "server"),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /refresh", s.handleRefresh)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting dashboard server", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve dashboard: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown dashboard: %w", err)
	}
	s.logger.Info("dashboard server stopped")
	return nil
}

type health struct {
	Status     string         `json:"status"`
	Build      version.Info   `json:"build"`
	Components map[string]any `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthTimeout)
	defer cancel()

	h := health{
		Status:     "healthy",
		Build:      version.Get(),
		Components: make(map[string]any),
	}

	st := s.syncer.Status()
	h.Components["sync"] = map[string]any{
		"active":    st.IsActive,
		"method":    st.Method,
		"target":    st.Target,
		"connected": st.IsConnected,
	}
	if !st.IsActive || st.Error != "" {
		h.Status = "degraded"
	}

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			h.Status = "unhealthy"
			h.Components["timescaledb"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			h.Components["timescaledb"] = "connected"
		}
	}

	code := http.StatusOK
	if h.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.syncer.Status())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ok := s.syncer.Refresh()
	code := http.StatusAccepted
	if !ok {
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]bool{"refreshed": ok})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
