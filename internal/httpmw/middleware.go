// Package httpmw provides the HTTP middleware stack wrapping every handler
// in this proxy: panic recovery, request logging, CORS, and an
// SSE-flush-aware response capture used by the commit-point state machine
// in internal/proxy. Ordering: recovery is outermost, then logging, then
// user middleware, then CORS closest to the mux.
package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"

	"github.com/Latias94/codex-helper/internal/logx"
)

// CORSConfig configures cross-origin handling for the control API and the
// proxy's own listener. Disabled by default.
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig returns CORS disabled, secure by default.
func DefaultCORSConfig() *CORSConfig {
	return &CORSConfig{
		Enabled:        false,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}
}

// CORSMiddleware applies CORSConfig to every request, handling preflight
// OPTIONS requests directly.
func CORSMiddleware(config *CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config == nil || !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")
			if isOriginAllowed(origin, config.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				if config.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				if len(config.AllowedMethods) > 0 {
					w.Header().Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
				}
				if len(config.AllowedHeaders) > 0 {
					w.Header().Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
				}
				if len(config.ExposedHeaders) > 0 {
					w.Header().Set("Access-Control-Expose-Headers", strings.Join(config.ExposedHeaders, ", "))
				}
				if config.MaxAge > 0 {
					w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", config.MaxAge))
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

func isOriginAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if strings.Contains(a, "*.") {
			idx := strings.Index(a, "*.")
			before, after := a[:idx], a[idx+2:]
			if strings.HasPrefix(origin, before) && strings.HasSuffix(origin, after) {
				mid := strings.TrimSuffix(origin[len(before):], after)
				if len(mid) > 0 {
					return true
				}
			}
		}
		if strings.Contains(a, ":*") {
			base := strings.Split(a, ":*")[0]
			if strings.HasPrefix(origin, base+":") {
				return true
			}
		}
	}
	return false
}

// RecoveryMiddleware converts a panic in any downstream handler into a 500
// response plus an error log line instead of crashing the listener
// goroutine. Placed outermost so it also guards the logging middleware.
func RecoveryMiddleware(logger logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if logger != nil {
						logger.ErrorWithContext(r.Context(), "panic recovered", map[string]interface{}{
							"panic": fmt.Sprintf("%v", rec),
							"stack": string(debug.Stack()),
							"path":  r.URL.Path,
						})
					}
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs HTTP requests/responses. In devMode every request
// is logged; in production only 4xx/5xx and slow (>1s) requests are, to
// keep the finished-request JSONL sink (internal/telemetry) as the
// authoritative per-request record.
func LoggingMiddleware(logger logx.Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m := httpsnoop.CaptureMetrics(next, w, r)

			duration := time.Since(start)
			shouldLog := devMode || m.Code >= 400 || duration > time.Second
			if !shouldLog || logger == nil {
				return
			}

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      m.Code,
				"duration_ms": duration.Milliseconds(),
				"bytes":       m.Written,
				"remote_addr": r.RemoteAddr,
			}
			switch {
			case m.Code >= 500:
				logger.ErrorWithContext(r.Context(), "http request error", fields)
			case m.Code >= 400:
				logger.WarnWithContext(r.Context(), "http request client error", fields)
			case duration > time.Second:
				logger.WarnWithContext(r.Context(), "http request slow", fields)
			default:
				logger.InfoWithContext(r.Context(), "http request", fields)
			}
		})
	}
}

// Chain composes middleware outermost-first: Chain(h, A, B, C) runs as
// A(B(C(h))).
func Chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
