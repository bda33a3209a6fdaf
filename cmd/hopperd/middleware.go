package main

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/hopper-run/hopper/internal/hoppercore"
)

// responseWriter wraps http.ResponseWriter to capture the status code
// written by the handler, mirroring core.responseWriter.
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

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// loggingMiddleware logs every request in development mode; in production
// it logs only responses with status 400 or above and requests slower than
// one second,
// matching core.LoggingMiddleware's dev-vs-prod verbosity split.
func loggingMiddleware(log hoppercore.Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			shouldLog := devMode || wrapped.statusCode >= 400 || duration > time.Second
			if !shouldLog {
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
				log.ErrorWithContext(r.Context(), "http request error", fields)
			case wrapped.statusCode >= 400:
				log.WarnWithContext(r.Context(), "http request client error", fields)
			case duration > time.Second:
				log.WarnWithContext(r.Context(), "http request slow", fields)
			default:
				log.InfoWithContext(r.Context(), "http request", fields)
			}
		})
	}
}

// recoveryMiddleware recovers panics in handlers, logs them with a stack
// trace, and returns 500 instead of crashing the process, mirroring
// core.RecoveryMiddleware.
func recoveryMiddleware(log hoppercore.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("http handler panic recovered", map[string]interface{}{
						"panic":      rec,
						"error_type": fmt.Sprintf("%T", rec),
						"path":       r.URL.Path,
						"method":     r.Method,
						"stack":      string(debug.Stack()),
					})
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
