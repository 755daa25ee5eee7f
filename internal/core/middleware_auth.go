package core

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"eventrelay/internal/types"
)

// AdminKeyHeader carries the operator key for /v1/admin routes.
const AdminKeyHeader = "X-Admin-Key"

// adminPrincipal is stored in the context once the key is accepted.
const adminPrincipal = "admin"

// errCodeIPBlocked is returned while a client IP is locked out after too many
// bad admin keys.
const errCodeIPBlocked = "ip_blocked"

// AdminGuard verifies the admin key against a bcrypt hash and locks out
// client IPs that fail too often within a window.
type AdminGuard struct {
	hash        []byte
	maxFailures int
	window      time.Duration
	now         func() time.Time

	mu       sync.Mutex
	failures map[string]*failureWindow
}

type failureWindow struct {
	count int
	start time.Time
}

// NewAdminGuard creates a guard for the given bcrypt hash. maxFailures bad
// keys from one IP within window block that IP until the window ends.
func NewAdminGuard(hash types.SecretString, maxFailures int, window time.Duration) *AdminGuard {
	if maxFailures <= 0 {
		maxFailures = 10
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &AdminGuard{
		hash:        []byte(hash.Unmask()),
		maxFailures: maxFailures,
		window:      window,
		now:         time.Now,
		failures:    make(map[string]*failureWindow),
	}
}

// Check compares key with the stored hash.
func (g *AdminGuard) Check(key string) error {
	if key == "" {
		return types.NewAppError(types.ErrCodeAuthTokenMissing, AdminKeyHeader+" header is required", nil)
	}
	if err := bcrypt.CompareHashAndPassword(g.hash, []byte(key)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "admin key is invalid", nil)
		}
		return types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "admin key is invalid", err)
	}
	return nil
}

// Blocked reports whether ip is currently locked out.
func (g *AdminGuard) Blocked(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	fw, ok := g.failures[ip]
	if !ok {
		return false
	}
	if g.now().Sub(fw.start) >= g.window {
		delete(g.failures, ip)
		return false
	}
	return fw.count >= g.maxFailures
}

// RecordFailure counts one bad key from ip.
func (g *AdminGuard) RecordFailure(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	fw, ok := g.failures[ip]
	if !ok || now.Sub(fw.start) >= g.window {
		g.failures[ip] = &failureWindow{count: 1, start: now}
		return
	}
	fw.count++
}

// RecordSuccess clears the failure history of ip.
func (g *AdminGuard) RecordSuccess(ip string) {
	g.mu.Lock()
	delete(g.failures, ip)
	g.mu.Unlock()
}

// AdminKeyMiddleware protects the admin surface.
//
//  1. Rejects locked-out client IPs with 403 before running bcrypt.
//  2. Verifies the X-Admin-Key header against the configured hash.
//  3. On success injects the admin principal into the request context.
//
// With no AdminGuard configured every request is refused; the admin surface
// fails closed.
func (s *Server) AdminKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminGuard == nil {
			Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "admin access is not configured", nil))
			return
		}

		ip := extractClientIP(r)
		if s.AdminGuard.Blocked(ip) {
			s.Logger.Warn("blocked admin request from IP",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)
			JSON(w, r, http.StatusForbidden, APIErrorResponse{
				Error: ErrorDetail{
					Code:      errCodeIPBlocked,
					Message:   "Access denied",
					RequestID: types.GetRequestID(r.Context()),
				},
			})
			return
		}

		if err := s.AdminGuard.Check(r.Header.Get(AdminKeyHeader)); err != nil {
			s.AdminGuard.RecordFailure(ip)
			s.Logger.Warn("admin authentication failed",
				slog.String("ip", ip),
				slog.String("error", err.Error()),
			)
			Error(w, r, err)
			return
		}
		s.AdminGuard.RecordSuccess(ip)

		ctx := types.WithAdminPrincipal(r.Context(), adminPrincipal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractClientIP returns the first X-Forwarded-For entry, falling back to
// RemoteAddr without its port.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
