// Package apierror provides the JSON error envelope written by the gateway
// itself. Responses relayed from backends never pass through here.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Gateway error codes. Clients match on these strings; do not rename or remove
// existing codes.
const (
	RouteNotFound      ErrorCode = "GATEWAY_ROUTE_NOT_FOUND"
	NoBackend          ErrorCode = "GATEWAY_NO_BACKEND"
	BackendUnreachable ErrorCode = "GATEWAY_BACKEND_UNREACHABLE"
	BackendTimeout     ErrorCode = "GATEWAY_BACKEND_TIMEOUT"
	InternalError      ErrorCode = "GATEWAY_INTERNAL_ERROR"
	BodyTooLarge       ErrorCode = "GATEWAY_BODY_TOO_LARGE"
	MethodNotAllowed   ErrorCode = "GATEWAY_METHOD_NOT_ALLOWED"
	Forbidden          ErrorCode = "GATEWAY_FORBIDDEN"
)

// Human-readable summaries used in the "error" field.
const (
	MsgRouteNotFound = "route not found"
	MsgUnavailable   = "service temporarily unavailable"
	MsgInternal      = "internal server error"
	MsgBodyTooLarge  = "request entity too large"
)

// ErrorResponse is the standardized gateway error body. Error is always set;
// the other fields are optional.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the fixed-text responses.
// These do NOT include request_id since it varies per request.
var (
	preRouteNotFound = mustMarshal(ErrorResponse{Error: MsgRouteNotFound, ErrorCode: string(RouteNotFound)})
	preInternal      = mustMarshal(ErrorResponse{Error: MsgInternal, ErrorCode: string(InternalError)})
)

func mustMarshal(resp ErrorResponse) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		panic(err)
	}
	return append(b, '\n')
}

// Write writes resp as JSON with the given status. When the request carries
// an X-Request-ID it is copied into the body. r may be nil.
func Write(w http.ResponseWriter, r *http.Request, status int, resp ErrorResponse) {
	if resp.RequestID == "" && r != nil {
		resp.RequestID = r.Header.Get("X-Request-ID")
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if resp.RequestID == "" {
		if body := preSerialized(resp); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}
	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}

// WriteJSON is Write for the common summary/code/message triple.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, summary string, code ErrorCode, message string) {
	Write(w, r, status, ErrorResponse{Error: summary, ErrorCode: string(code), Message: message})
}

// NotFound writes the 404 envelope for a path no service owns.
func NotFound(w http.ResponseWriter, r *http.Request) {
	Write(w, r, http.StatusNotFound, ErrorResponse{Error: MsgRouteNotFound, ErrorCode: string(RouteNotFound)})
}

// Unavailable writes the 503 envelope used for both an empty pool and a
// failed backend exchange. message carries the diagnostic detail.
func Unavailable(w http.ResponseWriter, r *http.Request, code ErrorCode, message string) {
	Write(w, r, http.StatusServiceUnavailable, ErrorResponse{Error: MsgUnavailable, ErrorCode: string(code), Message: message})
}

// Internal writes the 500 envelope.
func Internal(w http.ResponseWriter, r *http.Request) {
	Write(w, r, http.StatusInternalServerError, ErrorResponse{Error: MsgInternal, ErrorCode: string(InternalError)})
}

func preSerialized(resp ErrorResponse) []byte {
	if resp.Message != "" {
		return nil
	}
	switch {
	case resp.Error == MsgRouteNotFound && resp.ErrorCode == string(RouteNotFound):
		return preRouteNotFound
	case resp.Error == MsgInternal && resp.ErrorCode == string(InternalError):
		return preInternal
	}
	return nil
}
