package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/wudi/isogate/internal/config"
)

// NewTransport creates a new HTTP transport with the given configuration.
// With secure false the upstream certificate is not verified, which is
// what local archives with self-signed certificates need.
func NewTransport(cfg config.TransportConfig, secure bool) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: !secure, //nolint:gosec
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("ca_file %s: no PEM certificates found", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
	}, nil
}

type transportKey struct {
	upstream string
	secure   bool
}

// TransportPool manages transports keyed by upstream name and TLS mode.
// Transports are created on first use and shared afterwards.
type TransportPool struct {
	mu         sync.Mutex
	defaults   config.TransportConfig
	configs    map[string]config.TransportConfig
	transports map[transportKey]*http.Transport
}

// NewTransportPool creates a new transport pool. defaults apply to
// upstreams with no configuration of their own, inline targets included.
func NewTransportPool(defaults config.TransportConfig) *TransportPool {
	return &TransportPool{
		defaults:   defaults,
		configs:    make(map[string]config.TransportConfig),
		transports: make(map[transportKey]*http.Transport),
	}
}

// Configure sets the transport settings for a named upstream. It must be
// called before the first Get for that upstream.
func (tp *TransportPool) Configure(upstream string, cfg config.TransportConfig) {
	tp.mu.Lock()
	tp.configs[upstream] = cfg
	tp.mu.Unlock()
}

// Get returns the transport for the given upstream and TLS mode.
func (tp *TransportPool) Get(upstream string, secure bool) (*http.Transport, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	key := transportKey{upstream: upstream, secure: secure}
	if t, ok := tp.transports[key]; ok {
		return t, nil
	}

	cfg, ok := tp.configs[upstream]
	if !ok {
		cfg = tp.defaults
	}
	t, err := NewTransport(cfg, secure)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", upstream, err)
	}
	tp.transports[key] = t
	return t, nil
}

// Names returns the upstreams with a live transport, sorted.
func (tp *TransportPool) Names() []string {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	seen := make(map[string]bool, len(tp.transports))
	names := make([]string, 0, len(tp.transports))
	for key := range tp.transports {
		if !seen[key.upstream] {
			seen[key.upstream] = true
			names = append(names, key.upstream)
		}
	}
	sort.Strings(names)
	return names
}

// CloseIdleConnections closes idle connections on all transports
func (tp *TransportPool) CloseIdleConnections() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for _, t := range tp.transports {
		t.CloseIdleConnections()
	}
}
