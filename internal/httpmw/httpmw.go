// Package httpmw provides the HTTP middleware chain for the
// Status/Control Surface: request logging, panic recovery, and request
// timeouts, adapted from the teacher's infrastructure/middleware
// package to the orchestrator's own logger and error types.
package httpmw

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/codegraph-dev/orchestrator/internal/logging"
)

const defaultTimeout = 30 * time.Second

// TraceIDHeader carries a request's correlation id across the stream.
const TraceIDHeader = "X-Trace-Id"

// Logging logs each request's method, path, status, and duration,
// tagging it with a trace id so lines for one request can be grepped
// together.
func Logging(log *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get(TraceIDHeader)
			if traceID == "" {
				traceID = uuid.NewString()
			}
			r.Header.Set(TraceIDHeader, traceID)
			w.Header().Set(TraceIDHeader, traceID)

			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			log.WithFields(map[string]any{
				"trace_id": traceID,
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   wrapped.status,
				"duration": time.Since(start).String(),
			}).Info("http request")
		})
	}
}

// Recovery turns a panicking handler into a 500 response instead of a
// crashed process, logging the stack trace for diagnosis.
func Recovery(log *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithFields(map[string]any{
						"panic": fmt.Sprintf("%v", rec),
						"stack": string(debug.Stack()),
						"path":  r.URL.Path,
					}).Error("panic recovered")
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Timeout bounds how long a handler may run before the client gets a
// 504; when timeout <= 0 a conservative default applies.
func Timeout(timeout time.Duration) mux.MiddlewareFunc {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			tw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			go func() {
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					tw.mu.Lock()
					wrote := tw.wroteHeader
					tw.mu.Unlock()
					if !wrote {
						http.Error(w, "request timed out", http.StatusGatewayTimeout)
					}
				}
			}
		})
	}
}

// CORS allows the status surface to be polled from a browser-based
// dashboard. By default it mirrors any Origin back (suitable for a
// locally-run operator UI); pass explicit origins to restrict it.
func CORS(allowedOrigins ...string) mux.MiddlewareFunc {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+TraceIDHeader)
				w.Header().Set("Access-Control-Expose-Headers", TraceIDHeader)
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code
// written, guarded for concurrent access from the timeout goroutine.
type statusWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.wroteHeader {
		w.wroteHeader = true
		w.status = code
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	w.mu.Unlock()
	return w.ResponseWriter.Write(b)
}

// Hijack lets the WebSocket upgrade route pass through this wrapper;
// without it gorilla/websocket's Upgrade fails its http.Hijacker check.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("httpmw: underlying ResponseWriter does not support hijacking")
	}
	return hj.Hijack()
}
