package config

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// ParseOrigin parses an upstream target of the form scheme://host[:port].
// Paths, queries and fragments are rejected since requests are forwarded
// with their original path.
func ParseOrigin(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid target %q: scheme must be http or https", target)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid target %q: host is required", target)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("invalid target %q: must be an origin without path or query", target)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// validateRoute validates a single route against the upstream set.
func (l *Loader) validateRoute(route RouteConfig, cfg *Config) error {
	if route.PathPrefix == "" {
		return fmt.Errorf("route %s: path_prefix is required", route.ID)
	}
	if !strings.HasPrefix(route.PathPrefix, "/") {
		return fmt.Errorf("route %s: path_prefix must start with /", route.ID)
	}

	switch {
	case route.Upstream != "" && route.Target != "":
		return fmt.Errorf("route %s: upstream and target are mutually exclusive", route.ID)
	case route.Upstream != "":
		if _, ok := cfg.Upstreams[route.Upstream]; !ok {
			return fmt.Errorf("route %s: references unknown upstream: %s", route.ID, route.Upstream)
		}
	case route.Target != "":
		if _, err := ParseOrigin(route.Target); err != nil {
			return fmt.Errorf("route %s: %w", route.ID, err)
		}
	default:
		return fmt.Errorf("route %s: must have either upstream or target", route.ID)
	}

	if route.Timeout < 0 {
		return fmt.Errorf("route %s: timeout must be >= 0", route.ID)
	}
	return nil
}

// validateUpstream validates a named upstream.
func (l *Loader) validateUpstream(name string, us UpstreamConfig) error {
	scope := "upstream " + name
	if us.Target == "" {
		return fmt.Errorf("%s: target is required", scope)
	}
	if _, err := ParseOrigin(us.Target); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}
	if us.Timeout < 0 {
		return fmt.Errorf("%s: timeout must be >= 0", scope)
	}
	if err := l.validateTransportConfig(scope, us.Transport); err != nil {
		return err
	}
	if us.HealthCheck != nil {
		if err := l.validateHealthCheck(scope, *us.HealthCheck); err != nil {
			return err
		}
	}
	return l.validateCircuitBreaker(scope, us.CircuitBreaker)
}

func (l *Loader) validateListenConfig(cfg ListenConfig) error {
	if cfg.ReadTimeout < 0 || cfg.ReadHeaderTimeout < 0 || cfg.WriteTimeout < 0 || cfg.IdleTimeout < 0 {
		return fmt.Errorf("listen: timeouts must be >= 0")
	}
	if cfg.MaxHeaderBytes < 0 {
		return fmt.Errorf("listen.max_header_bytes must be >= 0")
	}
	return nil
}

// isolationDefaults are the header names the gateway always controls.
var isolationDefaults = map[string]bool{
	"Cross-Origin-Opener-Policy":   true,
	"Cross-Origin-Embedder-Policy": true,
}

func (l *Loader) validateIsolationConfig(cfg IsolationConfig) error {
	for name := range cfg.ExtraHeaders {
		if name == "" {
			return fmt.Errorf("isolation.extra_headers: header name must not be empty")
		}
		if isolationDefaults[http.CanonicalHeaderKey(name)] {
			return fmt.Errorf("isolation.extra_headers: %s cannot be overridden", name)
		}
	}
	return nil
}

func (l *Loader) validateHealthCheck(scope string, cfg HealthCheckConfig) error {
	validMethods := map[string]bool{"GET": true, "HEAD": true, "OPTIONS": true}
	if cfg.Method != "" && !validMethods[cfg.Method] {
		return fmt.Errorf("%s: health_check.method must be GET, HEAD, or OPTIONS", scope)
	}
	if cfg.Path != "" && !strings.HasPrefix(cfg.Path, "/") {
		return fmt.Errorf("%s: health_check.path must start with /", scope)
	}
	if cfg.Interval < 0 {
		return fmt.Errorf("%s: health_check.interval must be >= 0", scope)
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("%s: health_check.timeout must be >= 0", scope)
	}
	if cfg.Timeout > 0 && cfg.Interval > 0 && cfg.Timeout > cfg.Interval {
		return fmt.Errorf("%s: health_check.timeout must be <= health_check.interval", scope)
	}
	if cfg.HealthyAfter < 0 {
		return fmt.Errorf("%s: health_check.healthy_after must be >= 0", scope)
	}
	if cfg.UnhealthyAfter < 0 {
		return fmt.Errorf("%s: health_check.unhealthy_after must be >= 0", scope)
	}
	if cfg.MaxBackoff < 0 {
		return fmt.Errorf("%s: health_check.max_backoff must be >= 0", scope)
	}
	return nil
}

func (l *Loader) validateCircuitBreaker(scope string, cfg CircuitBreakerConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.FailureThreshold < 0 {
		return fmt.Errorf("%s: circuit_breaker.failure_threshold must be >= 0", scope)
	}
	if cfg.MaxRequests < 0 {
		return fmt.Errorf("%s: circuit_breaker.max_requests must be >= 0", scope)
	}
	if cfg.Interval < 0 || cfg.Timeout < 0 {
		return fmt.Errorf("%s: circuit_breaker durations must be >= 0", scope)
	}
	return nil
}

func (l *Loader) validateTransportConfig(scope string, cfg TransportConfig) error {
	if cfg.MaxIdleConns < 0 {
		return fmt.Errorf("%s: transport.max_idle_conns must be >= 0", scope)
	}
	if cfg.MaxIdleConnsPerHost < 0 {
		return fmt.Errorf("%s: transport.max_idle_conns_per_host must be >= 0", scope)
	}
	if cfg.MaxConnsPerHost < 0 {
		return fmt.Errorf("%s: transport.max_conns_per_host must be >= 0", scope)
	}
	if cfg.IdleConnTimeout < 0 {
		return fmt.Errorf("%s: transport.idle_conn_timeout must be >= 0", scope)
	}
	if cfg.DialTimeout < 0 {
		return fmt.Errorf("%s: transport.dial_timeout must be >= 0", scope)
	}
	if cfg.TLSHandshakeTimeout < 0 {
		return fmt.Errorf("%s: transport.tls_handshake_timeout must be >= 0", scope)
	}
	if cfg.ResponseHeaderTimeout < 0 {
		return fmt.Errorf("%s: transport.response_header_timeout must be >= 0", scope)
	}
	if cfg.ExpectContinueTimeout < 0 {
		return fmt.Errorf("%s: transport.expect_continue_timeout must be >= 0", scope)
	}
	if cfg.CAFile != "" {
		if _, err := os.Stat(cfg.CAFile); os.IsNotExist(err) {
			return fmt.Errorf("%s: transport.ca_file does not exist: %s", scope, cfg.CAFile)
		}
	}
	return nil
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

func (l *Loader) validateLoggingConfig(cfg LoggingConfig) error {
	if cfg.Level != "" && !validLogLevels[strings.ToLower(cfg.Level)] {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Level)
	}
	if cfg.Rotation.MaxSize < 0 || cfg.Rotation.MaxBackups < 0 || cfg.Rotation.MaxAge < 0 {
		return fmt.Errorf("logging.rotation values must be >= 0")
	}
	return nil
}

func (l *Loader) validateTracingConfig(cfg TracingConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if cfg.SampleRate < 0 || cfg.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	return nil
}

// validCompressionAlgorithms is the set of supported compression algorithms.
var validCompressionAlgorithms = map[string]bool{
	"gzip": true,
	"br":   true,
	"zstd": true,
}

// validateCompressionConfig validates a compression config for a given scope.
func (l *Loader) validateCompressionConfig(scope string, cfg CompressionConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Level < 0 || cfg.Level > 11 {
		return fmt.Errorf("%s: compression.level must be 0-11", scope)
	}
	if cfg.MinSize < 0 {
		return fmt.Errorf("%s: compression.min_size must be >= 0", scope)
	}
	for _, algo := range cfg.Algorithms {
		if !validCompressionAlgorithms[algo] {
			return fmt.Errorf("%s: compression.algorithms: unsupported algorithm %q (valid: gzip, br, zstd)", scope, algo)
		}
	}
	return nil
}

func (l *Loader) validateShutdownConfig(cfg ShutdownConfig) error {
	if cfg.Timeout < 0 {
		return fmt.Errorf("shutdown.timeout must be >= 0")
	}
	if cfg.DrainDelay < 0 {
		return fmt.Errorf("shutdown.drain_delay must be >= 0")
	}
	if cfg.Timeout > 0 && cfg.DrainDelay > 0 && cfg.DrainDelay >= cfg.Timeout {
		return fmt.Errorf("shutdown.drain_delay (%s) must be less than shutdown.timeout (%s)", cfg.DrainDelay, cfg.Timeout)
	}
	return nil
}
