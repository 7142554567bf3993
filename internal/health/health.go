// Package health provides the gateway's own liveness, readiness and
// informational endpoints.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/service-gateway/internal/balancer"
	"github.com/dskow/service-gateway/internal/registry"
)

// Version is reported by the informational endpoint.
const Version = "1.0.0"

const (
	readinessCacheTTL = 5 * time.Second
	dialTimeout       = 2 * time.Second
)

// Target dial states reported by /ready.
const (
	StatusOK          = "ok"
	StatusUnreachable = "unreachable"
	StatusNoTargets   = "no-targets"
)

// Dialer opens a TCP connection; it is swapped out in tests.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Handler serves /health, /api/health, /ready and the root document.
type Handler struct {
	registry *registry.Registry
	dialer   Dialer
	logger   *slog.Logger
	now      func() time.Time

	// Cached readiness result so /ready polls do not dial every target.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a Handler for the services in reg.
func New(reg *registry.Registry, logger *slog.Logger) *Handler {
	return &Handler{
		registry: reg,
		dialer:   &net.Dialer{Timeout: dialTimeout},
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterRoutes adds the health routes to mux. The root document is bound
// to the exact path "/" so it never shadows unmatched requests.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.liveness)
	mux.HandleFunc("GET /api/health", h.liveness)
	mux.HandleFunc("GET /ready", h.readiness)
	mux.HandleFunc("GET /{$}", h.info)
}

type livenessResponse struct {
	Status    string   `json:"status"`
	Timestamp string   `json:"timestamp"`
	Services  []string `json:"services"`
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, livenessResponse{
		Status:    "ok",
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Services:  h.registry.Names(),
	})
}

type infoResponse struct {
	Message   string            `json:"message"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

func (h *Handler) info(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{"health": "/health"}
	for _, svc := range h.registry.Services() {
		endpoints[svc.Name] = svc.Prefix
	}
	writeJSON(w, http.StatusOK, infoResponse{
		Message:   "API Gateway running",
		Version:   Version,
		Endpoints: endpoints,
	})
}

type readinessResponse struct {
	Status   string                       `json:"status"`
	Services map[string]map[string]string `json:"services"`
}

// readiness reports ready when every service has at least one target that
// accepts a TCP connection.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && h.now().Sub(h.cachedAt) < readinessCacheTTL {
		body, status := h.cachedResult, h.cachedStatus
		h.cacheMu.RUnlock()
		writeRaw(w, status, body)
		return
	}
	h.cacheMu.RUnlock()

	type dialResult struct {
		service string
		target  string
		status  string
	}

	services := h.registry.Services()
	total := 0
	for _, svc := range services {
		total += svc.Pool.Len()
	}

	// The result is cached and shared, so a caller that goes away must not
	// cut the dials short. Each dial is still bounded by dialTimeout.
	ctx := context.WithoutCancel(r.Context())
	ch := make(chan dialResult, total)
	for _, svc := range services {
		for _, t := range svc.Pool.Targets() {
			go func(service string, t balancer.Target) {
				ch <- dialResult{service: service, target: t.String(), status: h.dial(ctx, service, t)}
			}(svc.Name, t)
		}
	}

	results := make(map[string]map[string]string, len(services))
	reachable := make(map[string]bool, len(services))
	for _, svc := range services {
		results[svc.Name] = map[string]string{}
		if svc.Pool.Len() == 0 {
			results[svc.Name]["*"] = StatusNoTargets
		}
	}
	for i := 0; i < total; i++ {
		p := <-ch
		results[p.service][p.target] = p.status
		if p.status == StatusOK {
			reachable[p.service] = true
		}
	}

	httpStatus := http.StatusOK
	resp := readinessResponse{Status: "ready", Services: results}
	for _, svc := range services {
		if !reachable[svc.Name] {
			httpStatus = http.StatusServiceUnavailable
			resp.Status = "not ready"
			break
		}
	}

	body, _ := json.Marshal(resp)
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = h.now()
	h.cacheMu.Unlock()

	writeRaw(w, httpStatus, body)
}

func (h *Handler) dial(ctx context.Context, service string, t balancer.Target) string {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := h.dialer.DialContext(ctx, "tcp", hostPort(t))
	if err != nil {
		h.logger.Warn("target unreachable", "service", service, "target", t.String(), "error", err)
		return StatusUnreachable
	}
	conn.Close()
	return StatusOK
}

// hostPort returns the dial address of t, filling in the scheme's default
// port when the URL has none.
func hostPort(t balancer.Target) string {
	u := t.URL()
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, _ := json.Marshal(v)
	writeRaw(w, status, append(body, '\n'))
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body) //nolint:errcheck
}
