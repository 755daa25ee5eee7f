package core

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"eventrelay/internal/types"
)

// responseCapture records the status and body size written downstream so the
// access log and latency metrics can see them. It forwards Hijack for the
// websocket upgrade and Flush for streamed CSV exports.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
	bytes      int
}

func newResponseCapture(w http.ResponseWriter) *responseCapture {
	return &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
}

// mark records code as the response status unless one was already seen.
func (rc *responseCapture) mark(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.mark(code)
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.mark(http.StatusOK)
	n, err := rc.ResponseWriter.Write(b)
	rc.bytes += n
	return n, err
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader and logs the request
// as 101.
func (rc *responseCapture) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rc.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T does not support hijacking", rc.ResponseWriter)
	}
	rc.mark(http.StatusSwitchingProtocols)
	return hj.Hijack()
}

func (rc *responseCapture) Flush() {
	f, ok := rc.ResponseWriter.(http.Flusher)
	if !ok {
		return
	}
	rc.mark(http.StatusOK)
	f.Flush()
}

// routePattern returns the chi pattern that served r, or "unmatched". Event
// ids and webhook sources stay out of metric dimensions this way.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// Recoverer turns a handler panic into a logged stack trace and a 500 error
// envelope. It is mounted first. http.ErrAbortHandler is re-raised so
// net/http can drop the connection quietly.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}

			s.Logger.ErrorContext(r.Context(), "panic recovered",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", fmt.Sprint(rvr),
				"stack", string(debug.Stack()),
			)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = writeJSON(w, APIErrorResponse{Error: ErrorDetail{
				Code:      string(types.ErrCodeInternalUnexpected),
				Message:   "an unexpected error occurred",
				RequestID: types.GetRequestID(r.Context()),
			}})
		}()

		next.ServeHTTP(w, r)
	})
}

// RequestLogger writes one access log line per request. Values of the headers
// named in redactedHeaders (matched case-insensitively) are replaced with
// "[REDACTED]". 5xx logs at ERROR, 4xx at WARN, the rest at INFO.
func RequestLogger(logger *slog.Logger, redactedHeaders []string) func(http.Handler) http.Handler {
	redact := make(map[string]bool, len(redactedHeaders))
	for _, h := range redactedHeaders {
		redact[http.CanonicalHeaderKey(h)] = true
	}

	headerGroup := func(h http.Header) slog.Attr {
		attrs := make([]any, 0, len(h))
		for name, values := range h {
			value := strings.Join(values, ", ")
			if redact[http.CanonicalHeaderKey(name)] {
				value = "[REDACTED]"
			}
			attrs = append(attrs, slog.String(name, value))
		}
		return slog.Group("headers", attrs...)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rc := newResponseCapture(w)

			next.ServeHTTP(rc, r)

			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"route", routePattern(r),
				"status", rc.statusCode,
				"bytes", rc.bytes,
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
			}
			if id := types.GetRequestID(r.Context()); id != "" {
				args = append(args, "request_id", id)
			}
			if len(r.Header) > 0 {
				args = append(args, headerGroup(r.Header))
			}

			level := slog.LevelInfo
			switch {
			case rc.statusCode >= 500:
				level = slog.LevelError
			case rc.statusCode >= 400:
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request completed", args...)
		})
	}
}

// MetricsMiddleware records request latency keyed by route pattern. It is a
// pass-through when s.Metrics is nil.
func (s *Server) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rc := newResponseCapture(w)
		next.ServeHTTP(rc, r)

		s.Metrics.RecordRequest(r.Method, routePattern(r), strconv.Itoa(rc.statusCode), time.Since(start))
	})
}

// SecurityHeadersMiddleware sets the static security headers on every
// response, error responses included.
func (s *Server) SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

const (
	corsAllowMethods  = "GET, POST, OPTIONS"
	corsAllowHeaders  = "Content-Type, Authorization, " + AdminKeyHeader + ", X-Request-ID"
	corsExposeHeaders = "X-Request-ID, Content-Disposition"
)

// NewCORSMiddleware serves browser access to the admin surface. "*" in
// allowedOrigins admits any origin; otherwise the Origin header must be
// listed. OPTIONS preflights are answered with 204 and never reach next.
func NewCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	resolve := func(origin string) string {
		switch {
		case allowAll:
			return "*"
		case origin != "" && allowed[origin]:
			return origin
		}
		return ""
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := resolve(r.Header.Get("Origin")); origin != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
				h.Set("Access-Control-Max-Age", "86400")
				h.Set("Access-Control-Allow-Credentials", "true")
				if origin != "*" {
					h.Set("Vary", "Origin")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeJSON renders the error envelope without encoding/json so the panic
// path has nothing left that can panic.
func writeJSON(w http.ResponseWriter, resp APIErrorResponse) error {
	_, err := fmt.Fprintf(w, `{"error":{"code":"%s","message":"%s","request_id":"%s"}}`,
		escapeJSON(resp.Error.Code),
		escapeJSON(resp.Error.Message),
		escapeJSON(resp.Error.RequestID),
	)
	return err
}

var jsonEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// escapeJSON escapes the characters that would break a JSON string literal.
// Inputs are error codes and messages owned by this package.
func escapeJSON(s string) string {
	return jsonEscaper.Replace(s)
}
