// Package core provides the HTTP chassis for the event relay. It builds a chi
// router and enforces cross-cutting concerns (recovery, request ids, security
// headers, logging, CORS, metrics and admin authentication) before requests
// reach the webhook, websocket and admin handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"eventrelay/internal/config"
)

// MetricsCollector defines the interface for recording API telemetry.
type MetricsCollector interface {
	// RecordRequest records latency for one request. endpoint is the route
	// pattern, not the raw path.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of routes on a router.
type RouteRegistrar func(r chi.Router)

// Server encapsulates all dependencies of the HTTP surface, allowing for easy
// injection during testing.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Validator    *Validator
	Metrics      MetricsCollector
	AdminGuard   *AdminGuard
	HealthProbes []HealthProbe
	// HealthStats, when set, is reported under "stats" by GET /health.
	HealthStats func() any

	// RouteRegistrars mount top-level routes such as POST /webhooks/{source}.
	RouteRegistrars []RouteRegistrar
	// AdminRouteRegistrars mount routes under /v1/admin behind the admin key.
	AdminRouteRegistrars []RouteRegistrar
	// Websocket serves GET /ws. It is mounted outside the request timeout.
	Websocket http.Handler

	router *chi.Mux
}

// NewServer validates the critical dependencies and prepares an empty router.
// The caller mounts routes with MountRoutes after setting the registrars.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}
	return s, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe runs an http.Server for the router until ctx is cancelled,
// then shuts it down within the configured shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.Config.Server.Port,
		Handler:           s.router,
		ReadHeaderTimeout: s.Config.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx, srv); err != nil {
		return err
	}
	<-errCh
	return nil
}

// Shutdown gracefully stops srv. Hijacked websocket connections are not
// tracked by net/http; the fan-out hub closes those separately.
func (s *Server) Shutdown(ctx context.Context, srv *http.Server) error {
	s.Logger.Info("server shutdown initiated")
	if err := srv.Shutdown(ctx); err != nil {
		s.Logger.Error("http server shutdown failed", "error", err)
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.Logger.Info("server shutdown complete")
	return nil
}
