// Package registry maps route prefixes to backend services. The registry is
// built once at startup; after that only each service's pool cursor moves.
package registry

import (
	"fmt"
	"time"

	"github.com/dskow/service-gateway/internal/balancer"
	"github.com/dskow/service-gateway/internal/config"
	"github.com/dskow/service-gateway/internal/routing"
)

// Service is one logical backend reachable under a route prefix.
type Service struct {
	Name    string
	Prefix  string
	Pool    *balancer.Pool
	Timeout time.Duration
	Config  config.ServiceConfig
}

// Registry holds services in declaration order.
type Registry struct {
	services []*Service
	byName   map[string]*Service
}

// New builds a Registry from service configs. Declaration order is kept
// because it decides which service wins when prefixes overlap. A service
// with no targets is registered with an empty pool.
func New(services []config.ServiceConfig) (*Registry, error) {
	r := &Registry{
		services: make([]*Service, 0, len(services)),
		byName:   make(map[string]*Service, len(services)),
	}
	prefixes := make(map[string]string, len(services))

	for i, sc := range services {
		if sc.Name == "" {
			return nil, fmt.Errorf("service %d: name is required", i)
		}
		if _, dup := r.byName[sc.Name]; dup {
			return nil, fmt.Errorf("duplicate service name %q", sc.Name)
		}
		prefix := routing.NormalizePrefix(sc.RoutePrefix)
		if prefix == "" || prefix[0] != '/' {
			return nil, fmt.Errorf("service %q: route prefix %q must start with /", sc.Name, sc.RoutePrefix)
		}
		if other, dup := prefixes[prefix]; dup {
			return nil, fmt.Errorf("service %q: route prefix %s already registered by %q", sc.Name, prefix, other)
		}
		prefixes[prefix] = sc.Name

		targets := make([]balancer.Target, 0, len(sc.Targets))
		for j, raw := range sc.Targets {
			t, err := balancer.ParseTarget(raw)
			if err != nil {
				return nil, fmt.Errorf("service %q target %d: %w", sc.Name, j, err)
			}
			targets = append(targets, t)
		}

		svc := &Service{
			Name:    sc.Name,
			Prefix:  prefix,
			Pool:    balancer.NewPool(targets),
			Timeout: sc.Timeout(),
			Config:  sc,
		}
		r.services = append(r.services, svc)
		r.byName[svc.Name] = svc
	}

	return r, nil
}

// Match returns the first registered service whose prefix owns path at a
// segment boundary.
func (r *Registry) Match(path string) (*Service, bool) {
	for _, svc := range r.services {
		if routing.MatchesPrefix(path, svc.Prefix) {
			return svc, true
		}
	}
	return nil, false
}

// Lookup returns the service registered under name.
func (r *Registry) Lookup(name string) (*Service, bool) {
	svc, ok := r.byName[name]
	return svc, ok
}

// Services returns the services in declaration order. The slice is a copy;
// the *Service values are shared.
func (r *Registry) Services() []*Service {
	out := make([]*Service, len(r.services))
	copy(out, r.services)
	return out
}

// Names returns service names in declaration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.services))
	for i, svc := range r.services {
		names[i] = svc.Name
	}
	return names
}
