package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"eventrelay/internal/types"
)

// defaultRequestTimeout bounds every request except websocket sessions.
const defaultRequestTimeout = 30 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in request
// logs. Webhook signature headers are included so logs cannot be replayed.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Admin-Key",
	"Stripe-Signature",
	"X-Webhook-Signature",
	"X-Webhook-Secret",
}

// MountRoutes defines the top-level routing hierarchy.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	// Long-lived; must not inherit the request timeout.
	if s.Websocket != nil {
		s.router.Method(http.MethodGet, "/ws", s.Websocket)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(ContextTimeoutMiddleware(s.requestTimeout()))

		r.Get("/health", s.HandleHealth)
		for _, registrar := range s.RouteRegistrars {
			registrar(r)
		}
		r.Route("/v1", s.mountV1)
	})
}

// registerGlobalMiddleware applies middleware in strict order.
//
//  1. Recoverer        - outermost so it catches every panic.
//  2. RequestID        - correlation id for logs and error bodies.
//  3. SecurityHeaders  - present on every response, including errors.
//  4. RequestLogger    - structured access log with redacted headers.
//  5. CORS             - browser preflight for the admin surface.
//  6. Metrics          - latency by route pattern.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, s.redactedHeaders()))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)
}

// mountV1 registers the admin endpoints behind the admin key.
func (s *Server) mountV1(r chi.Router) {
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(s.AdminKeyMiddleware)
		for _, registrar := range s.AdminRouteRegistrars {
			registrar(ar)
		}
	})
}

func (s *Server) requestTimeout() time.Duration {
	return defaultRequestTimeout
}

func (s *Server) redactedHeaders() []string {
	return defaultRedactedHeaders
}

// corsAllowedOrigins returns the CORS allowed origins from configuration.
func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Server.CorsAllowedOrigins) > 0 {
		return s.Config.Server.CorsAllowedOrigins
	}
	return []string{"*"}
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware generates or propagates a unique request ID. An
// incoming X-Request-Id header is reused; otherwise a random ID is generated.
// The ID is stored in the context and echoed as the X-Request-Id response header.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
		}

		ctx := types.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// generateRequestID returns 16 random bytes as 32 hex characters.
func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "fallback-" + hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}
