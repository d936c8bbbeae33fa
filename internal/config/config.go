package config

import (
	"time"
)

// Config represents the complete gateway configuration
type Config struct {
	Listen      ListenConfig              `yaml:"listen"`
	Open        bool                      `yaml:"open"` // open the browser at the gateway URL once listening
	Static      StaticConfig              `yaml:"static"`
	Isolation   IsolationConfig           `yaml:"isolation"`
	Upstreams   map[string]UpstreamConfig `yaml:"upstreams"`
	Routes      []RouteConfig             `yaml:"routes"`
	Transport   TransportConfig           `yaml:"transport"` // global upstream transport settings
	Logging     LoggingConfig             `yaml:"logging"`
	Admin       AdminConfig               `yaml:"admin"`
	Tracing     TracingConfig             `yaml:"tracing"`
	HealthCheck HealthCheckConfig         `yaml:"health_check"`
	Compression CompressionConfig         `yaml:"compression"`
	Shutdown    ShutdownConfig            `yaml:"shutdown"`
}

// ListenConfig defines the client-facing HTTP listener.
type ListenConfig struct {
	Address           string        `yaml:"address"` // default ":3002"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"` // 0 disables; large image downloads stream for a long time
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
}

// StaticConfig defines the local static file server used for unmatched paths.
type StaticConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Root         string `yaml:"root"`          // directory path, default "dist"
	Index        string `yaml:"index"`         // default "index.html"
	SPAFallback  bool   `yaml:"spa_fallback"`  // serve index for unknown paths (default true)
	CacheControl string `yaml:"cache_control"` // Cache-Control header value
}

// IsolationConfig defines the response headers stamped on every response.
// COOP same-origin and COEP require-corp are always present and cannot be
// overridden here.
type IsolationConfig struct {
	ExtraHeaders map[string]string `yaml:"extra_headers"` // e.g. Cross-Origin-Resource-Policy
}

// UpstreamConfig defines a named upstream origin that routes can reference.
type UpstreamConfig struct {
	Target         string               `yaml:"target"` // scheme://host[:port]
	Secure         bool                 `yaml:"secure"` // verify the upstream TLS certificate
	Timeout        time.Duration        `yaml:"timeout"`
	Transport      TransportConfig      `yaml:"transport"` // merged over the global transport
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	HealthCheck    *HealthCheckConfig   `yaml:"health_check"` // nil = inherit global
}

// RouteConfig binds a literal path prefix to an upstream origin.
type RouteConfig struct {
	ID               string        `yaml:"id"` // defaults to path_prefix
	PathPrefix       string        `yaml:"path_prefix"`
	Upstream         string        `yaml:"upstream"` // name in upstreams
	Target           string        `yaml:"target"`   // inline origin, alternative to upstream
	ChangeOrigin     *bool         `yaml:"change_origin"`
	Secure           *bool         `yaml:"secure"` // nil = inherit from the upstream
	ForwardWebSocket bool          `yaml:"forward_websocket"`
	RewriteHeaders   *bool         `yaml:"rewrite_headers"`
	Timeout          time.Duration `yaml:"timeout"` // overrides the upstream timeout
}

// ChangeOriginEnabled reports whether the outbound Host is the upstream host.
func (r RouteConfig) ChangeOriginEnabled() bool {
	return r.ChangeOrigin == nil || *r.ChangeOrigin
}

// RewriteHeadersEnabled reports whether isolation headers overwrite upstream values.
func (r RouteConfig) RewriteHeadersEnabled() bool {
	return r.RewriteHeaders == nil || *r.RewriteHeaders
}

// TransportConfig defines upstream HTTP transport (connection pool) settings.
type TransportConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout"`
	DisableKeepAlives     bool          `yaml:"disable_keep_alives"`
	CAFile                string        `yaml:"ca_file"`
}

// CircuitBreakerConfig defines per-upstream circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures before opening (default 5)
	MaxRequests      int           `yaml:"max_requests"`      // half-open probes (default 1)
	Interval         time.Duration `yaml:"interval"`          // closed-state counter reset, 0 = never
	Timeout          time.Duration `yaml:"timeout"`           // open duration (default 30s)
}

// HealthCheckConfig defines upstream probe settings.
type HealthCheckConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Path           string        `yaml:"path"`            // default "/"
	Method         string        `yaml:"method"`          // default "GET"
	Interval       time.Duration `yaml:"interval"`        // default 10s
	Timeout        time.Duration `yaml:"timeout"`         // default 5s
	HealthyAfter   int           `yaml:"healthy_after"`   // default 1
	UnhealthyAfter int           `yaml:"unhealthy_after"` // default 3
	MaxBackoff     time.Duration `yaml:"max_backoff"`     // ceiling for probe backoff while unhealthy (default 1m)
}

// CompressionConfig defines compression of responses served by the gateway itself.
type CompressionConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Level        int      `yaml:"level"`         // 0-11, default 6
	MinSize      int      `yaml:"min_size"`      // default 1024 bytes
	ContentTypes []string `yaml:"content_types"` // MIME types to compress
	Algorithms   []string `yaml:"algorithms"`    // "gzip", "br", "zstd"; default all three
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level     string            `yaml:"level"`
	Output    string            `yaml:"output"` // "stdout", "stderr" or a file path
	AccessLog bool              `yaml:"access_log"`
	Rotation  LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled bool          `yaml:"enabled"`
	Address string        `yaml:"address"` // default ":3003"
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig defines Prometheus metrics exposure on the admin server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default "/metrics"
}

// TracingConfig defines OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`    // use insecure gRPC connection
	Headers     map[string]string `yaml:"headers"`     // extra headers for OTLP exporter
}

// ShutdownConfig defines graceful shutdown settings.
type ShutdownConfig struct {
	Timeout    time.Duration `yaml:"timeout"`     // total shutdown timeout (default 30s)
	DrainDelay time.Duration `yaml:"drain_delay"` // delay before stopping listeners (default 0s)
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:           ":3002",
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		Static: StaticConfig{
			Enabled:     true,
			Root:        "dist",
			Index:       "index.html",
			SPAFallback: true,
		},
		Transport: TransportConfig{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			DialTimeout:           30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Output:    "stdout",
			AccessLog: true,
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Admin: AdminConfig{
			Address: ":3003",
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Tracing: TracingConfig{
			ServiceName: "isogate",
			SampleRate:  1.0,
		},
		HealthCheck: HealthCheckConfig{
			Path:           "/",
			Method:         "GET",
			Interval:       10 * time.Second,
			Timeout:        5 * time.Second,
			HealthyAfter:   1,
			UnhealthyAfter: 3,
			MaxBackoff:     time.Minute,
		},
		Compression: CompressionConfig{
			Level:   6,
			MinSize: 1024,
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
	}
}
