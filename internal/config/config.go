// Package config provides YAML configuration loading with validation and
// environment variable substitution for the service gateway.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dskow/service-gateway/internal/balancer"
	"github.com/dskow/service-gateway/internal/routing"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server" json:"server"`
	Metrics  MetricsConfig   `yaml:"metrics" json:"metrics"`
	Logging  LoggingConfig   `yaml:"logging" json:"logging"`
	Admin    AdminConfig     `yaml:"admin" json:"admin"`
	Services []ServiceConfig `yaml:"services" json:"services"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port             int           `yaml:"port" json:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes" json:"max_body_bytes"`         // 0: default, negative: unlimited
	ForwardedHeaders bool          `yaml:"forwarded_headers" json:"forwarded_headers"`   // append X-Forwarded-* on outbound requests
	FlushInterval    time.Duration `yaml:"flush_interval" json:"flush_interval"`         // negative flushes after every write
}

// LoggingConfig holds log output and level settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`               // "debug", "info", "warn", "error"; default: "info"
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// ServiceConfig defines one logical backend service: the route prefix it
// owns and the ordered list of instances requests rotate across.
type ServiceConfig struct {
	Name           string                `yaml:"name" json:"name"`
	RoutePrefix    string                `yaml:"route_prefix" json:"route_prefix"`
	Targets        []string              `yaml:"targets" json:"targets"`
	TimeoutMs      int                   `yaml:"timeout_ms" json:"timeout_ms"`
	ConnectionPool *ConnectionPoolConfig `yaml:"connection_pool" json:"connection_pool,omitempty"`
	// LogLevel is the level of this service's access log entries; empty
	// means info. "debug" keeps a chatty route out of an info-level log.
	LogLevel string `yaml:"log_level" json:"log_level,omitempty"`
}

// ConnectionPoolConfig holds per-service HTTP transport pool settings.
type ConnectionPoolConfig struct {
	MaxIdleConns   int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdlePerHost int           `yaml:"max_idle_per_host" json:"max_idle_per_host"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// Timeout returns how long the gateway waits for a backend's response
// headers. The body stream itself is not bounded.
func (s ServiceConfig) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

const defaultMaxBodyBytes = 10 << 20 // 10 MB

// envVarRe matches ${VAR} and ${VAR:-default}.
var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value. ${VAR:-fallback} uses fallback when VAR is
// unset or empty. Unresolved references are left in place.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		fallback, hasFallback := "", false
		if i := strings.Index(key, ":-"); i >= 0 {
			key, fallback, hasFallback = key[:i], key[i+2:], true
		}
		if val, ok := os.LookupEnv(key); ok && (val != "" || !hasFallback) {
			return val
		}
		if hasFallback {
			return fallback
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	warnings := applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = append(warnings, collectWarnings(&cfg)...)

	return &cfg, nil
}

// applyDefaults fills unset fields and normalizes service entries. Targets
// that are blank or still hold an unresolved ${VAR} are dropped so the
// service runs degraded instead of failing at startup; the returned
// warnings record each drop.
func applyDefaults(cfg *Config) []string {
	var warnings []string

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = defaultMaxBodyBytes
	}

	for i := range cfg.Services {
		svc := &cfg.Services[i]
		svc.Name = strings.TrimSpace(svc.Name)
		svc.RoutePrefix = routing.NormalizePrefix(strings.TrimSpace(svc.RoutePrefix))
		if svc.TimeoutMs == 0 {
			svc.TimeoutMs = 30000
		}

		kept := svc.Targets[:0]
		for j, t := range svc.Targets {
			t = strings.TrimSpace(t)
			switch {
			case t == "":
				warnings = append(warnings, fmt.Sprintf("services[%d].targets[%d] is empty, dropped", i, j))
			case strings.Contains(t, "${"):
				warnings = append(warnings, fmt.Sprintf("services[%d].targets[%d] contains unresolved environment variable %q, dropped", i, j, t))
			default:
				kept = append(kept, t)
			}
		}
		svc.Targets = kept
	}

	return warnings
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout < 0 || cfg.Server.WriteTimeout < 0 || cfg.Server.IdleTimeout < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}
	if cfg.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must be non-negative")
	}

	// Logging validation
	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if cfg.Metrics.IsEnabled() && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	if len(cfg.Services) == 0 {
		return fmt.Errorf("at least one service must be configured")
	}

	names := make(map[string]bool)
	prefixes := make(map[string]bool)
	for i, s := range cfg.Services {
		if s.Name == "" {
			return fmt.Errorf("services[%d].name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate service name: %s", s.Name)
		}
		names[s.Name] = true

		if s.RoutePrefix == "" {
			return fmt.Errorf("services[%d].route_prefix is required", i)
		}
		if !strings.HasPrefix(s.RoutePrefix, "/") {
			return fmt.Errorf("services[%d].route_prefix must start with /", i)
		}
		// Requests are matched on their escaped path.
		if esc := (&url.URL{Path: s.RoutePrefix}).EscapedPath(); esc != s.RoutePrefix {
			return fmt.Errorf("services[%d].route_prefix %q must not need escaping (use %q)", i, s.RoutePrefix, esc)
		}
		if !ValidLogLevels[s.LogLevel] {
			return fmt.Errorf("services[%d].log_level must be one of debug, info, warn, error; got %q", i, s.LogLevel)
		}
		if prefixes[s.RoutePrefix] {
			return fmt.Errorf("duplicate service route_prefix: %s", s.RoutePrefix)
		}
		prefixes[s.RoutePrefix] = true

		if s.TimeoutMs < 0 {
			return fmt.Errorf("services[%d].timeout_ms must be non-negative", i)
		}
		for j, t := range s.Targets {
			if _, err := balancer.ParseTarget(t); err != nil {
				return fmt.Errorf("services[%d].targets[%d]: %w", i, j, err)
			}
		}
		if s.ConnectionPool != nil {
			cp := s.ConnectionPool
			if cp.MaxIdleConns < 0 {
				return fmt.Errorf("services[%d].connection_pool.max_idle_conns must be non-negative", i)
			}
			if cp.MaxIdlePerHost < 0 {
				return fmt.Errorf("services[%d].connection_pool.max_idle_per_host must be non-negative", i)
			}
			if cp.IdleTimeout < 0 {
				return fmt.Errorf("services[%d].connection_pool.idle_timeout must be non-negative", i)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	for _, s := range cfg.Services {
		if len(s.Targets) == 0 {
			warnings = append(warnings, fmt.Sprintf("service %q has no targets; requests to %s will fail with 503", s.Name, s.RoutePrefix))
		}
	}
	return warnings
}
