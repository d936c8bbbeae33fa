package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/wudi/isogate/internal/circuitbreaker"
	"github.com/wudi/isogate/internal/health"
	"github.com/wudi/isogate/internal/middleware/isolation"
)

// adminHandler creates the admin API handler. Admin responses carry the
// isolation headers like everything else the gateway serves.
func (s *Server) adminHandler() http.Handler {
	r := httprouter.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	r.GET("/healthz", s.handleHealth)
	r.GET("/readyz", s.handleReady)
	r.GET("/routes", s.handleRoutes)
	r.GET("/upstreams", s.handleUpstreams)
	r.GET("/status", s.handleStatus)

	if s.config.Admin.Metrics.Enabled {
		path := s.config.Admin.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handler(http.MethodGet, path, s.gateway.Metrics().Handler())
	}
	return isolation.Middleware(s.gateway.patch)(r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth reports liveness. Upstream state is informational: an
// unhealthy upstream never makes the gateway itself unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	response := map[string]interface{}{
		"routes":    s.gateway.Table().Len(),
		"listeners": s.manager.List(),
	}
	if !s.Ready() {
		response["status"] = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	response["status"] = "ready"
	writeJSON(w, http.StatusOK, response)
}

type routeInfo struct {
	ID               string `json:"id"`
	PathPrefix       string `json:"path_prefix"`
	Upstream         string `json:"upstream"`
	Target           string `json:"target"`
	ChangeOrigin     bool   `json:"change_origin"`
	Secure           bool   `json:"secure"`
	ForwardWebSocket bool   `json:"forward_websocket"`
	RewriteHeaders   bool   `json:"rewrite_headers"`
	Timeout          string `json:"timeout,omitempty"`
}

// handleRoutes lists the route table in match order.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	routes := s.gateway.Table().Routes()
	result := make([]routeInfo, 0, len(routes))
	for _, route := range routes {
		info := routeInfo{
			ID:               route.ID,
			PathPrefix:       route.PathPrefix,
			Upstream:         route.UpstreamName,
			Target:           route.Upstream.String(),
			ChangeOrigin:     route.ChangeOrigin,
			Secure:           route.Secure,
			ForwardWebSocket: route.ForwardWebSocket,
			RewriteHeaders:   route.RewriteHeaders,
		}
		if route.Timeout > 0 {
			info.Timeout = route.Timeout.String()
		}
		result = append(result, info)
	}
	writeJSON(w, http.StatusOK, result)
}

type upstreamInfo struct {
	Name           string                          `json:"name"`
	Target         string                          `json:"target"`
	Secure         bool                            `json:"secure"`
	Routes         []string                        `json:"routes"`
	Health         *health.CheckResult             `json:"health,omitempty"`
	CircuitBreaker *circuitbreaker.BreakerSnapshot `json:"circuit_breaker,omitempty"`
}

// handleUpstreams reports each distinct upstream with its probe result and
// breaker state when those are enabled.
func (s *Server) handleUpstreams(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	results := make(map[string]health.CheckResult)
	for _, res := range s.gateway.HealthChecker().Results() {
		results[res.Upstream] = res
	}

	upstreams := s.gateway.upstreams()
	out := make([]upstreamInfo, 0, len(upstreams))
	for _, u := range upstreams {
		info := upstreamInfo{
			Name:   u.Name,
			Target: u.Origin.String(),
			Secure: u.Secure,
			Routes: u.Routes,
		}
		if res, ok := results[u.Name]; ok {
			info.Health = &res
		}
		if b := s.gateway.Breakers().Get(u.Name); b != nil {
			snap := b.Snapshot()
			info.CircuitBreaker = &snap
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleStatus aggregates component stats.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	g := s.gateway
	status := map[string]interface{}{
		"uptime":    time.Since(s.startTime).String(),
		"url":       s.URL(),
		"routes":    g.Table().Len(),
		"isolation": g.patch.Snapshot(),
		"tracing":   g.tracer.Status(),
		"breakers":  g.Breakers().Snapshots(),
	}
	if g.static != nil {
		status["static"] = g.static.Stats()
	}
	if g.compressor.IsEnabled() {
		status["compression"] = g.compressor.Stats()
	}
	writeJSON(w, http.StatusOK, status)
}
