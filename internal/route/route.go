// Package route derives backend instance identities from authenticated
// routing keys and resolves their upstream addresses.
package route

import (
	"fmt"
	"net/url"
	"strings"
)

// instancePrefix namespaces every instance name produced by this gateway.
const instancePrefix = "mcp"

// instancePlaceholder is substituted with the instance name in the upstream
// address pattern.
const instancePlaceholder = "{instance}"

// InstanceName is a pure function of (routing key, generation): no routing
// table is consulted, so routing is race-free and needs no coordination state.
// Bumping the generation forces cold instances without invalidating
// credentials.
func InstanceName(routingKey, generation string) string {
	return instancePrefix + "-" + routingKey + "-" + generation
}

// Resolver maps authenticated routing keys to instance names and upstream URLs.
type Resolver struct {
	generation string
	pattern    string
}

// NewResolver builds a resolver for the configured route generation and
// upstream address pattern.
func NewResolver(generation, upstreamPattern string) *Resolver {
	return &Resolver{
		generation: strings.TrimSpace(generation),
		pattern:    strings.TrimSpace(upstreamPattern),
	}
}

// Generation returns the configured route-generation tag.
func (r *Resolver) Generation() string { return r.generation }

// Instance returns the instance name addressed by the given routing key.
func (r *Resolver) Instance(routingKey string) string {
	return InstanceName(routingKey, r.generation)
}

// Upstream resolves the base URL of the named instance.
func (r *Resolver) Upstream(instance string) (*url.URL, error) {
	raw := strings.ReplaceAll(r.pattern, instancePlaceholder, instance)
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse upstream %q: %w", raw, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("upstream %q is not an absolute URL", raw)
	}
	return parsed, nil
}
