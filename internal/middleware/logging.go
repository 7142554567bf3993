// Package middleware provides the HTTP middleware wrapped around the
// gateway: request IDs, access logging, body limits and panic recovery.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// routeInfo is filled in by the forwarder once it has picked a service and
// target, so the access log can report them.
type routeInfo struct {
	service string
	target  string
}

type routeInfoKey struct{}

// SetRoute records the service and target chosen for a request. It is a
// no-op when the request did not pass through Logging.
func SetRoute(ctx context.Context, service, target string) {
	if ri, ok := ctx.Value(routeInfoKey{}).(*routeInfo); ok {
		ri.service = service
		ri.target = target
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	bytes       int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader && code >= 200 {
		sr.statusCode = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wroteHeader = true
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Logging returns middleware that logs each request as structured JSON
// including method, path, status code, latency, client IP and, for proxied
// requests, the service and target that served it. levelFor maps a request's
// escaped path to the level of its entry; pass nil to log everything at Info.
func Logging(logger *slog.Logger, levelFor func(string) slog.Level) func(http.Handler) http.Handler {
	if levelFor == nil {
		levelFor = func(string) slog.Level { return slog.LevelInfo }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			level := levelFor(r.URL.EscapedPath())
			if !logger.Enabled(r.Context(), level) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ri := &routeInfo{}
			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", recorder.statusCode,
					"bytes", recorder.bytes,
					"latency_ms", time.Since(start).Milliseconds(),
					"client_ip", r.RemoteAddr,
					"request_id", GetRequestID(r.Context()),
				}
				if ri.service != "" {
					attrs = append(attrs, "service", ri.service)
				}
				if ri.target != "" {
					attrs = append(attrs, "target", ri.target)
				}
				logger.Log(r.Context(), level, "request", attrs...)
			}()

			ctx := context.WithValue(r.Context(), routeInfoKey{}, ri)
			next.ServeHTTP(recorder, r.WithContext(ctx))
		})
	}
}
