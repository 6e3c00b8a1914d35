// Package api exposes the bot's operational surface over HTTP: a liveness
// verdict at /healthz, Prometheus collectors at /metrics, and a JSON
// status report at /api/v1/status. It is read-only; nothing here mutates
// orders or configuration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"maker-bot/internal/config"
)

const shutdownGrace = 5 * time.Second

// Server is the operational HTTP endpoint.
type Server struct {
	cfg      config.ServerConfig
	provider StatusProvider
	logger   *slog.Logger
	srv      *http.Server
	nowFunc  func() time.Time
}

// NewServer builds the server over the given status provider and metrics
// registry.
func NewServer(cfg config.ServerConfig, provider StatusProvider, reg *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		logger:   logger.With("component", "api"),
		nowFunc:  time.Now,
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", getOnly(http.HandlerFunc(s.handleHealthz)))
	mux.Handle("/api/v1/status", getOnly(http.HandlerFunc(s.handleStatus)))
	mux.Handle("/metrics", getOnly(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.accessLog(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// getOnly restricts a route to GET and HEAD, matching the behavior of a
// "GET /path" ServeMux pattern on Go 1.22+.
func getOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := s.nowFunc()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration_ms", s.nowFunc().Sub(t0).Milliseconds(),
		)
	})
}

// Run serves until ctx is done, then shuts down gracefully. A disabled
// server returns immediately.
func (s *Server) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.cfg.Addr)
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.srv.Shutdown(shutCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	health := s.provider.Status().Health(s.nowFunc())
	code := http.StatusOK
	if health == HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": health})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.provider.Status()); err != nil {
		s.logger.Warn("status encode failed", "error", err)
	}
}
