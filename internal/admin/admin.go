// Package admin provides read-only admin API endpoints for runtime inspection
// of gateway state. All endpoints are protected by IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/dskow/service-gateway/internal/apierror"
	"github.com/dskow/service-gateway/internal/config"
	"github.com/dskow/service-gateway/internal/registry"
)

// Handler provides admin API endpoints.
type Handler struct {
	configs     ConfigProvider
	registry    *registry.Registry
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(configs ConfigProvider, reg *registry.Registry, allowlist []string, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		configs:     configs,
		registry:    reg,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/services", h.guard(h.servicesHandler))
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
}

// guard wraps a handler with method and IP allowlist checks.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, "method not allowed", apierror.MethodNotAllowed, "")
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, "forbidden", apierror.Forbidden, "")
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// serviceStatus is one entry of /admin/services.
type serviceStatus struct {
	Name       string   `json:"name"`
	Prefix     string   `json:"route_prefix"`
	Targets    []string `json:"targets"`
	Cursor     int      `json:"cursor"`
	NextTarget string   `json:"next_target,omitempty"`
	TimeoutMs  int64    `json:"timeout_ms"`
}

func (h *Handler) servicesHandler(w http.ResponseWriter, r *http.Request) {
	services := h.registry.Services()
	statuses := make([]serviceStatus, len(services))
	for i, svc := range services {
		targets := svc.Pool.Targets()
		st := serviceStatus{
			Name:      svc.Name,
			Prefix:    svc.Prefix,
			Targets:   make([]string, len(targets)),
			Cursor:    svc.Pool.Cursor(),
			TimeoutMs: svc.Timeout.Milliseconds(),
		}
		for j, t := range targets {
			st.Targets[j] = t.String()
		}
		// Cursor and targets are read separately; under load the preview
		// may already be stale.
		if len(targets) > 0 {
			st.NextTarget = st.Targets[st.Cursor%len(targets)]
		}
		statuses[i] = st
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": statuses})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.configs.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"config":   cfg,
		"warnings": cfg.Warnings,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
