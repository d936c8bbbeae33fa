package router

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/wudi/isogate/internal/config"
)

// Route binds a literal path prefix to an upstream origin.
type Route struct {
	ID               string
	PathPrefix       string
	Upstream         *url.URL // scheme and host only
	UpstreamName     string   // named upstream, or the inline target
	RewriteHeaders   bool
	ForwardWebSocket bool
	ChangeOrigin     bool
	Secure           bool // verify the upstream TLS certificate
	Timeout          time.Duration
}

// Table is an ordered, immutable route table. It is built once at startup
// and safe for concurrent use without locking.
type Table struct {
	routes []*Route
}

// NewTable compiles the configured routes in declaration order.
func NewTable(routes []config.RouteConfig, upstreams map[string]config.UpstreamConfig) (*Table, error) {
	t := &Table{routes: make([]*Route, 0, len(routes))}
	ids := make(map[string]bool, len(routes))

	for i, rc := range routes {
		route, err := compileRoute(rc, upstreams)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		if ids[route.ID] {
			return nil, fmt.Errorf("duplicate route id: %s", route.ID)
		}
		ids[route.ID] = true
		t.routes = append(t.routes, route)
	}
	return t, nil
}

func compileRoute(rc config.RouteConfig, upstreams map[string]config.UpstreamConfig) (*Route, error) {
	if rc.PathPrefix == "" {
		return nil, fmt.Errorf("path_prefix is required")
	}
	if !strings.HasPrefix(rc.PathPrefix, "/") {
		return nil, fmt.Errorf("path_prefix %q must start with /", rc.PathPrefix)
	}

	route := &Route{
		ID:               rc.ID,
		PathPrefix:       rc.PathPrefix,
		RewriteHeaders:   rc.RewriteHeadersEnabled(),
		ForwardWebSocket: rc.ForwardWebSocket,
		ChangeOrigin:     rc.ChangeOriginEnabled(),
		Timeout:          rc.Timeout,
	}
	if route.ID == "" {
		route.ID = rc.PathPrefix
	}

	var target string
	switch {
	case rc.Upstream != "" && rc.Target != "":
		return nil, fmt.Errorf("route %s: upstream and target are mutually exclusive", route.ID)
	case rc.Upstream != "":
		us, ok := upstreams[rc.Upstream]
		if !ok {
			return nil, fmt.Errorf("route %s: unknown upstream %q", route.ID, rc.Upstream)
		}
		target = us.Target
		route.UpstreamName = rc.Upstream
		route.Secure = us.Secure
		if route.Timeout == 0 {
			route.Timeout = us.Timeout
		}
	case rc.Target != "":
		target = rc.Target
		route.UpstreamName = rc.Target
	default:
		return nil, fmt.Errorf("route %s: no upstream or target", route.ID)
	}

	origin, err := config.ParseOrigin(target)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", route.ID, err)
	}
	route.Upstream = origin

	if rc.Secure != nil {
		route.Secure = *rc.Secure
	}
	return route, nil
}

// Match returns the first route, in declaration order, whose prefix is a
// literal prefix of path. No segment boundary is enforced: "/series" also
// matches "/seriesX".
func (t *Table) Match(path string) (*Route, bool) {
	for _, route := range t.routes {
		if strings.HasPrefix(path, route.PathPrefix) {
			return route, true
		}
	}
	return nil, false
}

// Routes returns the routes in declaration order.
func (t *Table) Routes() []*Route {
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return len(t.routes)
}
