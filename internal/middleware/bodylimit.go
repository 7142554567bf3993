package middleware

import (
	"net/http"

	"github.com/dskow/service-gateway/internal/apierror"
)

// BodyLimit returns middleware that limits the size of request bodies.
// A declared Content-Length above maxBytes is rejected with 413 before the
// request goes anywhere. Chunked bodies are wrapped with http.MaxBytesReader;
// the forwarder turns the resulting read error into the same 413. A negative
// maxBytes disables the limit.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maxBytes < 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteBodyLimitError(w, r)
				return
			}
			if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteBodyLimitError writes a 413 JSON error envelope.
func WriteBodyLimitError(w http.ResponseWriter, r *http.Request) {
	apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.MsgBodyTooLarge, apierror.BodyTooLarge,
		"request body exceeds maximum allowed size")
}
