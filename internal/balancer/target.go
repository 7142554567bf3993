// Package balancer holds the backend target model and the round-robin pool
// used to pick a target for each proxied request.
package balancer

import (
	"fmt"
	"net/url"
	"strings"
)

// Target is a single backend instance. Two targets are the same backend when
// their normalized addresses are equal.
type Target struct {
	addr string
	u    *url.URL
}

// ParseTarget normalizes a configured backend address. Bare "host:port"
// values get an http scheme; a trailing slash on the base path is dropped.
func ParseTarget(raw string) (Target, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Target{}, fmt.Errorf("empty target address")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Target{}, fmt.Errorf("invalid target %q: scheme must be http or https, got %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return Target{}, fmt.Errorf("invalid target %q: host is required", raw)
	}
	if u.User != nil {
		return Target{}, fmt.Errorf("invalid target %q: credentials are not allowed", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return Target{}, fmt.Errorf("invalid target %q: query and fragment are not allowed", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return Target{addr: u.String(), u: u}, nil
}

// MustParseTarget is ParseTarget for static addresses in tests and examples.
func MustParseTarget(raw string) Target {
	t, err := ParseTarget(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the normalized address.
func (t Target) String() string { return t.addr }

// URL returns a copy of the parsed base URL.
func (t Target) URL() *url.URL {
	if t.u == nil {
		return &url.URL{}
	}
	c := *t.u
	return &c
}

// Equal reports whether both targets point at the same address.
func (t Target) Equal(o Target) bool { return t.addr == o.addr }

// IsZero reports whether t is the zero Target returned for an empty pool.
func (t Target) IsZero() bool { return t.addr == "" }
