package httpapi

import (
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/thanigaiv/oncallforge/internal/logging"
	"github.com/thanigaiv/oncallforge/internal/ratelimit"
	"github.com/thanigaiv/oncallforge/internal/telemetry"
)

// responseWriter wraps http.ResponseWriter to capture the status code for
// the logging middleware, the same capture shape the teacher's
// core/middleware.go uses.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// loggingMiddleware logs every request in development mode; in production
// it only logs non-2xx responses and requests slower than one second.
func loggingMiddleware(logger logging.Logger, development bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			shouldLog := development || wrapped.statusCode >= 400 || duration > time.Second
			if !shouldLog || logger == nil {
				return
			}

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": duration.Milliseconds(),
				"remote_addr": r.RemoteAddr,
			}
			switch {
			case wrapped.statusCode >= 500:
				logger.ErrorContext(r.Context(), "http request error", fields)
			case wrapped.statusCode >= 400:
				logger.WarnContext(r.Context(), "http request client error", fields)
			case duration > time.Second:
				logger.WarnContext(r.Context(), "http request slow", fields)
			default:
				logger.InfoContext(r.Context(), "http request", fields)
			}
		})
	}
}

// metricsMiddleware records request latency against the matched chi route
// pattern (so /incidents/{id} doesn't explode into one series per incident
// ID), bucketed by status class. Grounded on the same responseWriter status
// capture the logging middleware above uses.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			statusClass := strconv.Itoa(wrapped.statusCode/100) + "xx"
			m.RequestDuration.WithLabelValues(route, statusClass).Observe(time.Since(start).Seconds())
		})
	}
}

// rateLimitMiddleware enforces tier's budget per client IP, responding 429
// on rejection per spec's webhook-endpoint status code table. A limiter
// error (as opposed to a deny) is never surfaced to the client — Allow
// already degrades open on its own store failures.
func rateLimitMiddleware(limiter *ratelimit.Limiter, tier ratelimit.Tier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := clientIP(r)
			allowed, err := limiter.Allow(r.Context(), tier, key)
			if err == nil && !allowed {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// recoveryMiddleware converts a panic inside a handler into a 500 response
// instead of taking the process down.
func recoveryMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if logger != nil {
						logger.ErrorContext(r.Context(), "http handler panic recovered", map[string]interface{}{
							"panic": rec,
							"path":  r.URL.Path,
							"stack": string(debug.Stack()),
						})
					}
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
