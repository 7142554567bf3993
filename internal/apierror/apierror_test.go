package apierror

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)

	NotFound(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	m := decode(t, w)
	if m["error"] != MsgRouteNotFound {
		t.Errorf("error = %v, want %q", m["error"], MsgRouteNotFound)
	}
	if m["error_code"] != string(RouteNotFound) {
		t.Errorf("error_code = %v", m["error_code"])
	}
	if _, ok := m["message"]; ok {
		t.Error("message should be omitted when empty")
	}
}

func TestUnavailable_IncludesMessage(t *testing.T) {
	w := httptest.NewRecorder()

	Unavailable(w, nil, NoBackend, "no target available for service users")

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	m := decode(t, w)
	if m["error"] != MsgUnavailable {
		t.Errorf("error = %v", m["error"])
	}
	if m["message"] != "no target available for service users" {
		t.Errorf("message = %v", m["message"])
	}
	if m["error_code"] != string(NoBackend) {
		t.Errorf("error_code = %v", m["error_code"])
	}
}

func TestWrite_IncludesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.Header.Set("X-Request-ID", "test-req-123")

	NotFound(w, r)

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.RequestID != "test-req-123" {
		t.Errorf("request_id = %q, want %q", resp.RequestID, "test-req-123")
	}
	if resp.Error != MsgRouteNotFound {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestWrite_OmitsEmptyRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)

	Internal(w, r)

	m := decode(t, w)
	if _, exists := m["request_id"]; exists {
		t.Error("request_id should be omitted when empty")
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if m["error"] != MsgInternal {
		t.Errorf("error = %v", m["error"])
	}
}

func TestPreSerializedMatchesEncoder(t *testing.T) {
	for _, resp := range []ErrorResponse{
		{Error: MsgRouteNotFound, ErrorCode: string(RouteNotFound)},
		{Error: MsgInternal, ErrorCode: string(InternalError)},
	} {
		pre := preSerialized(resp)
		if pre == nil {
			t.Fatalf("no pre-serialized body for %+v", resp)
		}
		want, _ := json.Marshal(resp)
		if string(pre) != string(want)+"\n" {
			t.Errorf("pre-serialized %q differs from encoder %q", pre, want)
		}
	}
	if preSerialized(ErrorResponse{Error: MsgInternal, ErrorCode: string(InternalError), Message: "x"}) != nil {
		t.Error("bodies with a message must not use the pre-serialized path")
	}
}

func TestWriteJSON_CustomBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/upload", nil)
	r.Header.Set("X-Request-ID", "custom-id")

	WriteJSON(w, r, http.StatusRequestEntityTooLarge, MsgBodyTooLarge, BodyTooLarge, "request body exceeds 10 bytes")

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", w.Code)
	}
	if resp.ErrorCode != string(BodyTooLarge) || resp.Message != "request body exceeds 10 bytes" || resp.RequestID != "custom-id" {
		t.Errorf("unexpected body: %+v", resp)
	}
}

func TestAllErrorCodes(t *testing.T) {
	codes := []ErrorCode{
		RouteNotFound, NoBackend, BackendUnreachable, BackendTimeout,
		InternalError, BodyTooLarge, MethodNotAllowed, Forbidden,
	}
	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if len(code) < 8 || code[:8] != "GATEWAY_" {
			t.Errorf("code %q does not have GATEWAY_ prefix", code)
		}
		if seen[code] {
			t.Errorf("duplicate code %q", code)
		}
		seen[code] = true
	}
}
