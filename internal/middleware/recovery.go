package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/service-gateway/internal/apierror"
)

// Recovery returns middleware that recovers from panics, logs the stack trace,
// and returns a 500 JSON envelope. http.ErrAbortHandler is re-raised so the
// server drops the connection of a response that failed mid-stream. A panic
// after the response has started also aborts instead of appending an envelope.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if e, ok := err.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(err)
				}
				logger.Error("panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
					"response_started", rec.wroteHeader,
				)
				if rec.wroteHeader {
					panic(http.ErrAbortHandler)
				}
				apierror.Internal(w, r)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
