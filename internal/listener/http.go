package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/isogate/internal/config"
	"github.com/wudi/isogate/internal/logging"
)

// HTTPListener wraps an HTTP server as a Listener
type HTTPListener struct {
	id      string
	address string
	server  *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// HTTPListenerConfig holds configuration for creating an HTTP listener
type HTTPListenerConfig struct {
	ID      string
	Handler http.Handler
	Listen  config.ListenConfig
}

// NewHTTPListener creates a new HTTP listener
func NewHTTPListener(cfg HTTPListenerConfig) *HTTPListener {
	lc := cfg.Listen

	readHeaderTimeout := lc.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 10 * time.Second
	}
	idleTimeout := lc.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 120 * time.Second
	}
	maxHeaderBytes := lc.MaxHeaderBytes
	if maxHeaderBytes == 0 {
		maxHeaderBytes = 1 << 20 // 1MB
	}

	return &HTTPListener{
		id:      cfg.ID,
		address: lc.Address,
		server: &http.Server{
			Addr:    lc.Address,
			Handler: cfg.Handler,
			// WriteTimeout stays as configured: zero keeps long downloads
			// and upgraded tunnels alive.
			ReadTimeout:       lc.ReadTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      lc.WriteTimeout,
			IdleTimeout:       idleTimeout,
			MaxHeaderBytes:    maxHeaderBytes,
			ErrorLog:          zap.NewStdLog(logging.Global().Named(cfg.ID)),
		},
	}
}

// ID returns the listener ID
func (h *HTTPListener) ID() string {
	return h.id
}

// Addr returns the bound address once listening, else the configured one.
func (h *HTTPListener) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.address
}

// URL returns the http URL clients can reach the listener at. Wildcard
// hosts are replaced by localhost.
func (h *HTTPListener) URL() string {
	host, port, err := net.SplitHostPort(h.Addr())
	if err != nil {
		return "http://" + h.Addr()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Listen binds the TCP address
func (h *HTTPListener) Listen() error {
	ln, err := net.Listen("tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()
	return nil
}

// Serve serves HTTP on the bound listener until Stop.
func (h *HTTPListener) Serve() error {
	h.mu.Lock()
	ln := h.listener
	h.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("listener %s: Serve called before Listen", h.id)
	}
	if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP listener, waiting for in-flight requests until ctx
// expires. Hijacked tunnels are not tracked by Shutdown and end with the
// process.
func (h *HTTPListener) Stop(ctx context.Context) error {
	err := h.server.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		h.server.Close()
	}

	// Shutdown only closes listeners passed to Serve
	h.mu.Lock()
	if h.listener != nil {
		h.listener.Close()
	}
	h.mu.Unlock()
	return err
}

// Server returns the underlying HTTP server
func (h *HTTPListener) Server() *http.Server {
	return h.server
}
