package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/isogate/internal/circuitbreaker"
	"github.com/wudi/isogate/internal/config"
	"github.com/wudi/isogate/internal/health"
	"github.com/wudi/isogate/internal/logging"
	"github.com/wudi/isogate/internal/metrics"
	"github.com/wudi/isogate/internal/middleware"
	"github.com/wudi/isogate/internal/middleware/compression"
	"github.com/wudi/isogate/internal/middleware/isolation"
	"github.com/wudi/isogate/internal/middleware/staticfiles"
	"github.com/wudi/isogate/internal/proxy"
	"github.com/wudi/isogate/internal/router"
	"github.com/wudi/isogate/internal/tracing"
	"github.com/wudi/isogate/internal/websocket"
)

// Gateway assembles the route table, proxy, static fallback and the
// middleware chain from a validated config. It is built once; a config
// change requires a restart.
type Gateway struct {
	config     *config.Config
	table      *router.Table
	patch      *isolation.PatchSet
	transports *proxy.TransportPool
	breakers   *circuitbreaker.BreakerByUpstream
	proxy      *proxy.Proxy
	dispatcher *proxy.Dispatcher
	static     *staticfiles.StaticFileHandler
	compressor *compression.Compressor
	metrics    *metrics.Collector
	tracer     *tracing.Tracer
	health     *health.Checker
	handler    http.Handler
}

// New creates a new gateway
func New(cfg *config.Config) (*Gateway, error) {
	g := &Gateway{
		config:  cfg,
		metrics: metrics.NewCollector(),
	}

	patch, err := isolation.New(cfg.Isolation.ExtraHeaders)
	if err != nil {
		return nil, fmt.Errorf("isolation headers: %w", err)
	}
	g.patch = patch

	g.table, err = router.NewTable(cfg.Routes, cfg.Upstreams)
	if err != nil {
		return nil, fmt.Errorf("routes: %w", err)
	}
	for _, route := range g.table.Routes() {
		if !route.RewriteHeaders {
			logging.Warn("Route does not rewrite isolation headers; upstream COOP/COEP values reach the browser",
				zap.String("route_id", route.ID),
				zap.String("upstream", route.UpstreamName),
			)
		}
	}

	g.tracer, err = tracing.New(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	g.initTransports()
	g.initBreakers()

	g.proxy = proxy.New(proxy.Config{
		Transports: g.transports,
		Breakers:   g.breakers,
		Patch:      g.patch,
		Tunnel:     websocket.NewTunnel(websocket.Config{Metrics: g.metrics}),
		Metrics:    g.metrics,
	})

	fallback, err := g.initStatic()
	if err != nil {
		g.tracer.Close(context.Background())
		return nil, err
	}

	g.dispatcher, err = proxy.NewDispatcher(g.table, g.proxy, fallback)
	if err != nil {
		g.closeStatic()
		g.tracer.Close(context.Background())
		return nil, fmt.Errorf("routes: %w", err)
	}

	if err := g.initHealth(); err != nil {
		g.closeStatic()
		g.tracer.Close(context.Background())
		return nil, err
	}

	g.handler = g.buildHandler()

	logging.Info("Gateway initialized",
		zap.Int("routes", g.table.Len()),
		zap.Int("upstreams", len(g.transports.Names())),
		zap.Bool("static", g.static != nil),
		zap.Int("health_probes", g.health.Len()),
	)
	return g, nil
}

// initTransports registers the merged transport settings of every named
// upstream. Inline route targets use the global settings.
func (g *Gateway) initTransports() {
	g.transports = proxy.NewTransportPool(g.config.Transport)
	for name := range g.config.Upstreams {
		g.transports.Configure(name, g.config.UpstreamTransport(name))
	}
}

func (g *Gateway) initBreakers() {
	g.breakers = circuitbreaker.NewBreakerByUpstream(func(name string, from, to gobreaker.State) {
		g.metrics.SetCircuitBreakerState(name, to)
		fields := []zap.Field{
			zap.String("upstream", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		}
		if to == gobreaker.StateOpen {
			logging.Warn("Circuit breaker opened", fields...)
			return
		}
		logging.Info("Circuit breaker state changed", fields...)
	})

	for _, name := range sortedUpstreams(g.config.Upstreams) {
		cb := g.config.Upstreams[name].CircuitBreaker
		if !cb.Enabled {
			continue
		}
		g.breakers.Add(name, cb)
		g.metrics.SetCircuitBreakerState(name, gobreaker.StateClosed)
	}
}

// initStatic returns the handler for unmatched paths, or nil when static
// serving is disabled.
func (g *Gateway) initStatic() (http.Handler, error) {
	g.compressor = compression.New(g.config.Compression)
	if !g.config.Static.Enabled {
		return nil, nil
	}

	static, err := staticfiles.New(g.config.Static)
	if err != nil {
		return nil, fmt.Errorf("static: %w", err)
	}
	g.static = static

	var fallback http.Handler = static
	if g.compressor.IsEnabled() {
		fallback = g.compressor.Middleware()(fallback)
	}
	return fallback, nil
}

// initHealth registers one probe per distinct upstream with probing
// enabled. Probes use the same transport as proxied traffic.
func (g *Gateway) initHealth() error {
	g.health = health.NewChecker(health.Config{
		OnChange: func(name string, status health.Status) {
			g.metrics.SetUpstreamHealth(name, status == health.StatusHealthy)
		},
	})

	for _, u := range g.upstreams() {
		hc := g.config.UpstreamHealthCheck(u.Name)
		if !hc.Enabled {
			continue
		}
		transport, err := g.transports.Get(u.Name, u.Secure)
		if err != nil {
			return fmt.Errorf("health check %s: %w", u.Name, err)
		}
		g.health.Add(health.Upstream{
			Name:      u.Name,
			Origin:    u.Origin,
			Transport: transport,
			Check:     hc,
		})
	}
	return nil
}

// buildHandler assembles the client-facing chain. The isolation injector is
// outermost so even a recovered panic carries the headers.
func (g *Gateway) buildHandler() http.Handler {
	return middleware.NewBuilder().
		Use(isolation.Middleware(g.patch)).
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		Use(g.tracer.Middleware()).
		UseIf(g.config.Logging.AccessLog, middleware.Logging()).
		Use(g.metrics.Middleware()).
		Handler(g.dispatcher)
}

// Handler returns the main HTTP handler
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Start starts background work: upstream probing.
func (g *Gateway) Start() {
	g.health.Start()
}

// Close closes the gateway and releases resources
func (g *Gateway) Close(ctx context.Context) error {
	g.health.Stop()
	g.transports.CloseIdleConnections()
	return errors.Join(g.closeStatic(), g.tracer.Close(ctx))
}

func (g *Gateway) closeStatic() error {
	if g.static == nil {
		return nil
	}
	return g.static.Close()
}

// Upstream describes one distinct upstream origin and the routes using it.
type Upstream struct {
	Name   string
	Origin *url.URL
	Secure bool
	Routes []string
}

// upstreams returns the distinct upstreams referenced by the route table,
// in order of first use.
func (g *Gateway) upstreams() []Upstream {
	var out []Upstream
	index := make(map[string]int)
	for _, route := range g.table.Routes() {
		if i, ok := index[route.UpstreamName]; ok {
			out[i].Routes = append(out[i].Routes, route.ID)
			continue
		}
		index[route.UpstreamName] = len(out)
		out = append(out, Upstream{
			Name:   route.UpstreamName,
			Origin: route.Upstream,
			Secure: route.Secure,
			Routes: []string{route.ID},
		})
	}
	return out
}

func sortedUpstreams(upstreams map[string]config.UpstreamConfig) []string {
	names := make([]string, 0, len(upstreams))
	for name := range upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table returns the route table
func (g *Gateway) Table() *router.Table {
	return g.table
}

// Metrics returns the metrics collector
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// HealthChecker returns the upstream prober
func (g *Gateway) HealthChecker() *health.Checker {
	return g.health
}

// Breakers returns the circuit breaker manager
func (g *Gateway) Breakers() *circuitbreaker.BreakerByUpstream {
	return g.breakers
}
