// Package routing provides the path helpers shared by the registry and the
// forwarder: segment-boundary prefix matching and prefix stripping.
package routing

import "strings"

// MatchesPrefix checks if path matches prefix with boundary enforcement.
// The path must either equal the prefix, the prefix must end with "/",
// or the character after the prefix in path must be "/".
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}

// NormalizePrefix trims trailing slashes so "/api/users/" and "/api/users"
// register the same route. The root prefix "/" is kept as is.
func NormalizePrefix(prefix string) string {
	p := strings.TrimRight(prefix, "/")
	if p == "" && strings.HasPrefix(prefix, "/") {
		return "/"
	}
	return p
}

// StripPrefix removes prefix from the start of path. The result always
// starts with "/"; an empty remainder becomes "/".
func StripPrefix(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return "/"
	}
	if rest[0] != '/' {
		rest = "/" + rest
	}
	return rest
}
