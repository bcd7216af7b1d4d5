// Package route maps registry request paths to upstream backends.
package route

import (
	"context"
	"log/slog"
	"strings"

	"registry-proxy-go/internal/config"
)

// Reason records which rule selected the backend.
type Reason string

const (
	ReasonDefault Reason = "default"
	ReasonToken   Reason = "token_endpoint"
	ReasonSearch  Reason = "search_endpoint"
	ReasonCatalog Reason = "catalog_endpoint"
)

// Decision is the backend chosen for a request path.
type Decision struct {
	Host     string
	Protocol string
	Reason   Reason
}

// rule sends paths accepted by match to the host picked from the config.
type rule struct {
	match  func(path string) bool
	host   func(*config.Proxy) string
	reason Reason
}

// rules are tried in order. The first match wins; unmatched paths go to the
// default host.
var rules = []rule{
	{
		match:  func(p string) bool { return strings.HasSuffix(p, "/token") || strings.Contains(p, "/auth") },
		host:   func(c *config.Proxy) string { return c.AuthHost },
		reason: ReasonToken,
	},
	{
		match:  func(p string) bool { return strings.HasPrefix(p, "/v2/_catalog") },
		host:   func(c *config.Proxy) string { return c.IndexHost },
		reason: ReasonCatalog,
	},
	{
		match:  func(p string) bool { return strings.HasPrefix(p, "/v1/search") || strings.Contains(p, "/search") },
		host:   func(c *config.Proxy) string { return c.IndexHost },
		reason: ReasonSearch,
	},
}

// Match returns the backend for path. It is a pure lookup; in mirror mode the
// default decision carries an empty Host for the Router to fill in.
func Match(path string, cfg *config.Proxy) Decision {
	for _, r := range rules {
		if r.match(path) {
			return Decision{Host: r.host(cfg), Protocol: cfg.Protocol, Reason: r.reason}
		}
	}
	return Decision{Host: cfg.Hostname, Protocol: cfg.Protocol, Reason: ReasonDefault}
}

// Router resolves routing decisions, selecting a mirror when no default
// hostname is configured.
type Router struct {
	mirrors *MirrorSelector
	logger  *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(mirrors *MirrorSelector, logger *slog.Logger) *Router {
	return &Router{
		mirrors: mirrors,
		logger:  logger.With("component", "router"),
	}
}

// Route returns the backend for path. Mirror probing never fails the request.
func (r *Router) Route(ctx context.Context, path string, cfg *config.Proxy) Decision {
	d := Match(path, cfg)
	if d.Host == "" && len(cfg.Mirrors) > 0 {
		d.Host = r.mirrors.Select(ctx, cfg.Protocol, cfg.Mirrors)
	}
	if cfg.Debug {
		r.logger.Info("routed request",
			"path", path,
			"host", d.Host,
			"reason", d.Reason,
		)
	}
	return d
}
