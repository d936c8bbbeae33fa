// Package metrics exposes gateway metrics through a private Prometheus
// registry. All Collector methods are safe on a nil receiver so callers
// can leave metrics disabled without guarding every call site.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"
	"github.com/wudi/isogate/internal/middleware"
	"github.com/wudi/isogate/variables"
)

const namespace = "isogate"

// Route label values for requests that never matched a proxy route.
const (
	staticRoute    = "static"
	unmatchedRoute = "unmatched"
)

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Collector tracks gateway metrics
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamDuration *prometheus.HistogramVec
	upstreamErrors   *prometheus.CounterVec
	headerPatches    *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	upstreamHealth   *prometheus.GaugeVec
	tunnelsActive    prometheus.Gauge
}

// NewCollector creates a new metrics collector with Go runtime and
// process collectors registered alongside the gateway metrics.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   DefaultBuckets,
		},
		[]string{"route"},
	)
	c.upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_response_seconds",
			Help:      "Time until upstream response headers were received",
			Buckets:   DefaultBuckets,
		},
		[]string{"upstream"},
	)
	c.upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream failures by kind",
		},
		[]string{"upstream", "kind"},
	)
	c.headerPatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolation_header_patches_total",
			Help:      "Responses that received the isolation header patch",
		},
		[]string{"source"},
	)
	c.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"upstream"},
	)
	c.upstreamHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_health",
			Help:      "Upstream health (1=healthy, 0=unhealthy)",
		},
		[]string{"upstream"},
	)
	c.tunnelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_tunnels_active",
			Help:      "Open WebSocket tunnels",
		},
	)

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.upstreamDuration,
		c.upstreamErrors,
		c.headerPatches,
		c.breakerState,
		c.upstreamHealth,
		c.tunnelsActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordUpstream records the time an upstream took to answer with headers
func (c *Collector) RecordUpstream(upstream string, duration time.Duration) {
	if c == nil {
		return
	}
	c.upstreamDuration.WithLabelValues(upstream).Observe(duration.Seconds())
}

// RecordUpstreamError records a failed upstream exchange
func (c *Collector) RecordUpstreamError(upstream, kind string) {
	if c == nil {
		return
	}
	c.upstreamErrors.WithLabelValues(upstream, kind).Inc()
}

// RecordHeaderPatch records one response receiving the isolation headers.
// source is "proxy", "static", "error" or "websocket".
func (c *Collector) RecordHeaderPatch(source string) {
	if c == nil {
		return
	}
	c.headerPatches.WithLabelValues(source).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state for an upstream
func (c *Collector) SetCircuitBreakerState(upstream string, state gobreaker.State) {
	if c == nil {
		return
	}
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	c.breakerState.WithLabelValues(upstream).Set(v)
}

// SetUpstreamHealth sets the health status of an upstream
func (c *Collector) SetUpstreamHealth(upstream string, healthy bool) {
	if c == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	c.upstreamHealth.WithLabelValues(upstream).Set(v)
}

// TunnelOpened increments the open tunnel gauge.
func (c *Collector) TunnelOpened() {
	if c == nil {
		return
	}
	c.tunnelsActive.Inc()
}

// TunnelClosed decrements the open tunnel gauge.
func (c *Collector) TunnelClosed() {
	if c == nil {
		return
	}
	c.tunnelsActive.Dec()
}

// ActiveTunnels returns the open tunnel gauge.
func (c *Collector) ActiveTunnels() prometheus.Gauge {
	return c.tunnelsActive
}

// Handler returns the Prometheus exposition handler for this collector.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		Registry: c.registry,
	})
}

// Middleware records request count and duration per route. It must run
// inside the request ID middleware so the route chosen by the dispatcher
// is visible once the handler returns.
func (c *Collector) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := middleware.NewResponseRecorder(w)
			defer func() {
				c.RecordRequest(routeLabel(r), r.Method, rec.Status(), time.Since(start))
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

func routeLabel(r *http.Request) string {
	varCtx, ok := variables.FromContext(r.Context())
	switch {
	case !ok:
		return unmatchedRoute
	case varCtx.RouteID != "":
		return varCtx.RouteID
	case varCtx.Static:
		return staticRoute
	default:
		return unmatchedRoute
	}
}
