package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dskow/service-gateway/internal/config"
)

// instance is a test backend that answers with its own name and records the
// request headers it saw.
type instance struct {
	*httptest.Server
	mu      sync.Mutex
	headers []http.Header
	paths   []string
}

func newInstance(t *testing.T, name string) *instance {
	t.Helper()
	in := &instance{}
	in.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in.mu.Lock()
		in.headers = append(in.headers, r.Header.Clone())
		in.paths = append(in.paths, r.URL.RequestURI())
		in.mu.Unlock()

		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			if !json.Valid(body) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, `{"error":"invalid JSON"}`)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			w.Write(body)
			return
		}
		fmt.Fprintf(w, `{"instance":%q}`, name)
	}))
	t.Cleanup(in.Close)
	return in
}

func (in *instance) requests() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.paths)
}

func (in *instance) lastHeader() http.Header {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.headers) == 0 {
		return nil
	}
	return in.headers[len(in.headers)-1]
}

func (in *instance) lastPath() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.paths) == 0 {
		return ""
	}
	return in.paths[len(in.paths)-1]
}

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	return cfg
}

func newGateway(t *testing.T, cfg *config.Config) (*httptest.Server, *logBuffer) {
	t.Helper()
	logs := &logBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	srv, err := New(cfg, nil, logger)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	gw := httptest.NewServer(srv.Handler())
	t.Cleanup(gw.Close)
	return gw, logs
}

// logBuffer collects log output written from server goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *logBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

// waitFor polls until the log contains every substring. Access log entries
// are written after the response reaches the client.
func (l *logBuffer) waitFor(t *testing.T, subs ...string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		out := l.String()
		missing := ""
		for _, s := range subs {
			if !strings.Contains(out, s) {
				missing = s
				break
			}
		}
		if missing == "" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("log never contained %s; got %s", missing, out)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func twoServiceConfig(t *testing.T, users []string, orders []string) *config.Config {
	t.Helper()
	quote := func(ts []string) string {
		q := make([]string, len(ts))
		for i, s := range ts {
			q[i] = fmt.Sprintf("%q", s)
		}
		return "[" + strings.Join(q, ", ") + "]"
	}
	return loadConfig(t, fmt.Sprintf(`
server:
  max_body_bytes: 1024
admin:
  enabled: true
  ip_allowlist: ["127.0.0.0/8", "::1/128"]
services:
  - name: users
    route_prefix: /api/users
    targets: %s
  - name: orders
    route_prefix: /api/orders
    targets: %s
`, quote(users), quote(orders)))
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestGateway_EndToEnd(t *testing.T) {
	u1 := newInstance(t, "users-1")
	u2 := newInstance(t, "users-2")
	o1 := newInstance(t, "orders-1")

	gw, _ := newGateway(t, twoServiceConfig(t, []string{u1.URL, u2.URL}, []string{o1.URL}))

	// Alternates across the users pool.
	for i, want := range []string{"users-1", "users-2", "users-1"} {
		_, body := get(t, gw.URL+"/api/users")
		if !strings.Contains(string(body), want) {
			t.Errorf("request %d: body %s, want %s", i, body, want)
		}
	}

	// Path and query rewritten for the backend.
	get(t, gw.URL+"/api/orders/42?x=1")
	if got := o1.lastPath(); got != "/42?x=1" {
		t.Errorf("orders backend saw %q, want /42?x=1", got)
	}
}

func TestGateway_CreateIsTransparent(t *testing.T) {
	u1 := newInstance(t, "users-1")
	gw, _ := newGateway(t, twoServiceConfig(t, []string{u1.URL}, nil))

	payload := `{"name":"Ana","email":"ana@example.com"}`
	resp, err := http.Post(gw.URL+"/api/users", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if string(body) != payload {
		t.Errorf("body = %q, want %q", body, payload)
	}

	// Backend validation errors pass through untouched.
	resp, err = http.Post(gw.URL+"/api/users", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || string(body) != `{"error":"invalid JSON"}` {
		t.Errorf("got %d %s, want backend 400", resp.StatusCode, body)
	}
}

func TestGateway_RouteNotFoundCarriesRequestID(t *testing.T) {
	u1 := newInstance(t, "users-1")
	gw, _ := newGateway(t, twoServiceConfig(t, []string{u1.URL}, nil))

	req, _ := http.NewRequest("GET", gw.URL+"/api/usersettings", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var env map[string]string
	json.NewDecoder(resp.Body).Decode(&env)
	if env["error"] != "route not found" || env["request_id"] != "req-123" {
		t.Errorf("envelope = %v", env)
	}
	if u1.requests() != 0 {
		t.Errorf("backend called %d times for an unmatched path", u1.requests())
	}
}

func TestGateway_EmptyPool(t *testing.T) {
	u1 := newInstance(t, "users-1")
	gw, logs := newGateway(t, twoServiceConfig(t, []string{u1.URL}, nil))

	resp, body := get(t, gw.URL+"/api/orders")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"error_code":"GATEWAY_NO_BACKEND"`) {
		t.Errorf("body = %s", body)
	}
	if !strings.Contains(string(body), `"request_id":"`) {
		t.Errorf("expected generated request id in envelope, got %s", body)
	}
	logs.waitFor(t, "no target available")
}

func TestGateway_RequestIDForwarded(t *testing.T) {
	u1 := newInstance(t, "users-1")
	gw, logs := newGateway(t, twoServiceConfig(t, []string{u1.URL}, nil))

	resp, _ := get(t, gw.URL+"/api/users/7")
	if resp.Header.Get("X-Request-ID") != "" {
		t.Errorf("gateway added X-Request-ID to a relayed response")
	}

	id := u1.lastHeader().Get("X-Request-ID")
	if id == "" {
		t.Fatal("expected generated X-Request-ID on the backend request")
	}
	logs.waitFor(t,
		`"msg":"request"`,
		`"request_id":"`+id+`"`,
		`"service":"users"`,
		`"target":"`+u1.URL+`"`,
		"forwarding request",
	)
}

func TestGateway_BodyLimit(t *testing.T) {
	u1 := newInstance(t, "users-1")
	gw, _ := newGateway(t, twoServiceConfig(t, []string{u1.URL}, nil))

	resp, err := http.Post(gw.URL+"/api/users", "application/json", strings.NewReader(strings.Repeat("a", 2048)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
	if u1.requests() != 0 {
		t.Error("oversized body reached the backend")
	}
}

func TestGateway_OperationalEndpoints(t *testing.T) {
	u1 := newInstance(t, "users-1")
	gw, _ := newGateway(t, twoServiceConfig(t, []string{u1.URL}, nil))

	tests := []struct {
		path   string
		status int
		want   string
	}{
		{"/health", http.StatusOK, `"services":["users","orders"]`},
		{"/api/health", http.StatusOK, `"status":"ok"`},
		{"/", http.StatusOK, `"message":"API Gateway running"`},
		{"/ready", http.StatusServiceUnavailable, `"no-targets"`},
		{"/metrics", http.StatusOK, "gateway_"},
		{"/admin/services", http.StatusOK, `"name":"users"`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := get(t, gw.URL+tt.path)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.status, body)
			}
			if !strings.Contains(string(body), tt.want) {
				t.Errorf("body %s does not contain %s", body, tt.want)
			}
		})
	}

	if u1.requests() != 0 {
		t.Errorf("operational endpoints reached a backend %d times", u1.requests())
	}
}

func TestGateway_NonGetHealthFallsThrough(t *testing.T) {
	u1 := newInstance(t, "users-1")
	gw, _ := newGateway(t, twoServiceConfig(t, []string{u1.URL}, nil))

	resp, err := http.Post(gw.URL+"/health", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want gateway 404", resp.StatusCode)
	}
}

func TestGateway_AdminDisabled(t *testing.T) {
	u1 := newInstance(t, "users-1")
	cfg := loadConfig(t, fmt.Sprintf(`
metrics:
  enabled: false
services:
  - name: users
    route_prefix: /api/users
    targets: [%q]
`, u1.URL))
	gw, _ := newGateway(t, cfg)

	for _, path := range []string{"/admin/services", "/metrics"} {
		resp, body := get(t, gw.URL+path)
		if resp.StatusCode != http.StatusNotFound || !strings.Contains(string(body), "GATEWAY_ROUTE_NOT_FOUND") {
			t.Errorf("%s: got %d %s, want route-not-found", path, resp.StatusCode, body)
		}
	}
}

func TestNew_InvalidRegistry(t *testing.T) {
	cfg := &config.Config{Services: []config.ServiceConfig{
		{Name: "a", RoutePrefix: "/x"},
		{Name: "a", RoutePrefix: "/y"},
	}}
	if _, err := New(cfg, nil, slog.New(slog.NewJSONHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for duplicate service names")
	}
}

func TestServer_LogRoutesAndHTTPServer(t *testing.T) {
	cfg := loadConfig(t, `
server:
  port: 3000
services:
  - name: users
    route_prefix: /api/users
    targets: ["http://localhost:3001", "http://localhost:3002"]
  - name: orders
    route_prefix: /api/orders
`)

	var logs bytes.Buffer
	srv, err := New(cfg, nil, slog.New(slog.NewJSONHandler(&logs, nil)))
	if err != nil {
		t.Fatal(err)
	}
	srv.LogRoutes()

	out := logs.String()
	if !strings.Contains(out, `/api/users -> [http://localhost:3001, http://localhost:3002]`) {
		t.Errorf("route table missing users entry: %s", out)
	}
	if !strings.Contains(out, `/api/orders -> []`) {
		t.Errorf("route table missing empty orders entry: %s", out)
	}

	hs := srv.HTTPServer()
	if hs.Addr != ":3000" {
		t.Errorf("Addr = %q, want :3000", hs.Addr)
	}
	if hs.ReadTimeout != cfg.Server.ReadTimeout || hs.IdleTimeout != cfg.Server.IdleTimeout {
		t.Errorf("timeouts not applied: %+v", hs)
	}
	if srv.Registry().Names()[0] != "users" {
		t.Errorf("registry order = %v", srv.Registry().Names())
	}
}

func TestAccessLogLevel(t *testing.T) {
	cfg := loadConfig(t, `
services:
  - name: users
    route_prefix: /api/users
    targets: ["http://127.0.0.1:1"]
  - name: status
    route_prefix: /api/status
    targets: ["http://127.0.0.1:1"]
    log_level: debug
`)
	srv, err := New(cfg, nil, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	levelFor := accessLogLevel(srv.Registry())

	tests := []struct {
		path string
		want slog.Level
	}{
		{"/api/users/1", slog.LevelInfo},
		{"/api/status", slog.LevelDebug},
		{"/api/status/db", slog.LevelDebug},
		{"/unrouted", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := levelFor(tt.path); got != tt.want {
			t.Errorf("accessLogLevel(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
