// Package server assembles the gateway: service registry, forwarder,
// middleware stack and the operational endpoints, behind one http.Handler.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dskow/service-gateway/internal/admin"
	"github.com/dskow/service-gateway/internal/config"
	"github.com/dskow/service-gateway/internal/health"
	"github.com/dskow/service-gateway/internal/logging"
	"github.com/dskow/service-gateway/internal/metrics"
	"github.com/dskow/service-gateway/internal/middleware"
	"github.com/dskow/service-gateway/internal/proxy"
	"github.com/dskow/service-gateway/internal/registry"
)

// Server is a fully wired gateway.
type Server struct {
	cfg       *config.Config
	registry  *registry.Registry
	forwarder *proxy.Forwarder
	handler   http.Handler
	logger    *slog.Logger
}

// New builds the gateway for cfg. configs backs the admin config dump and
// may be the hot-reloader; when nil the static cfg is reported.
func New(cfg *config.Config, configs admin.ConfigProvider, logger *slog.Logger) (*Server, error) {
	reg, err := registry.New(cfg.Services)
	if err != nil {
		return nil, fmt.Errorf("building service registry: %w", err)
	}
	if configs == nil {
		configs = staticConfig{cfg}
	}

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	fwd := proxy.New(reg, proxy.OptionsFromConfig(cfg.Server), logger)

	// Recovery → RequestID → Logging → BodyLimit → Forwarder
	var proxied http.Handler = fwd
	proxied = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(proxied)
	proxied = middleware.Logging(logger, accessLogLevel(reg))(proxied)
	proxied = middleware.RequestID(proxied)
	proxied = middleware.Recovery(logger)(proxied)

	// Operational endpoints bypass the proxy stack.
	ops := http.NewServeMux()
	health.New(reg, logger).RegisterRoutes(ops)
	if cfg.Metrics.IsEnabled() {
		ops.Handle(cfg.Metrics.Path, metrics.Handler())
	}
	if cfg.Admin.Enabled {
		admin.New(configs, reg, cfg.Admin.IPAllowlist, logger).RegisterRoutes(ops)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, pattern := ops.Handler(r); pattern != "" {
			ops.ServeHTTP(w, r)
			return
		}
		proxied.ServeHTTP(w, r)
	})

	return &Server{
		cfg:       cfg,
		registry:  reg,
		forwarder: fwd,
		handler:   combined,
		logger:    logger,
	}, nil
}

type staticConfig struct{ cfg *config.Config }

func (s staticConfig) Current() *config.Config { return s.cfg }

// Handler returns the gateway's root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Registry returns the service registry built at startup.
func (s *Server) Registry() *registry.Registry { return s.registry }

// HTTPServer returns an http.Server for the gateway using the configured
// port and timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.handler,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
}

// accessLogLevel returns the access log level for a path: the owning
// service's log_level, or Info for unrouted paths.
func accessLogLevel(reg *registry.Registry) func(string) slog.Level {
	levels := make(map[string]slog.Level)
	for _, svc := range reg.Services() {
		levels[svc.Name] = logging.ParseLevel(svc.Config.LogLevel)
	}
	return func(path string) slog.Level {
		if svc, ok := reg.Match(path); ok {
			return levels[svc.Name]
		}
		return slog.LevelInfo
	}
}

// LogRoutes writes the startup route table, one entry per service.
func (s *Server) LogRoutes() {
	for _, svc := range s.registry.Services() {
		targets := make([]string, 0, svc.Pool.Len())
		for _, t := range svc.Pool.Targets() {
			targets = append(targets, t.String())
		}
		s.logger.Info("route registered",
			"service", svc.Name,
			"route", fmt.Sprintf("%s -> [%s]", svc.Prefix, strings.Join(targets, ", ")),
			"targets", len(targets),
			"timeout", svc.Timeout.String(),
		)
	}
}
