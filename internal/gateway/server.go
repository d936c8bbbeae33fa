// Package gateway wires the configured components into a running server:
// the client-facing listener, the optional admin API and their lifecycle.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/isogate/internal/config"
	"github.com/wudi/isogate/internal/listener"
	"github.com/wudi/isogate/internal/logging"
)

const (
	mainListenerID  = "http"
	adminListenerID = "admin"
)

// Server wraps the gateway with HTTP server functionality
type Server struct {
	gateway    *Gateway
	manager    *listener.Manager
	main       *listener.HTTPListener
	config     *config.Config
	configPath string
	watcher    *config.Watcher
	startTime  time.Time
	ready      atomic.Bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer creates a new gateway server.
// configPath is the path to the YAML config file (watched for edits).
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		manager:    listener.NewManager(),
		config:     cfg,
		configPath: configPath,
		startTime:  time.Now(),
	}

	s.main = listener.NewHTTPListener(listener.HTTPListenerConfig{
		ID:      mainListenerID,
		Handler: gw.Handler(),
		Listen:  cfg.Listen,
	})
	s.manager.Add(s.main)

	if cfg.Admin.Enabled {
		s.manager.Add(listener.NewHTTPListener(listener.HTTPListenerConfig{
			ID:      adminListenerID,
			Handler: s.adminHandler(),
			Listen: config.ListenConfig{
				Address:      cfg.Admin.Address,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			},
		}))
	}

	return s, nil
}

// Run binds every listener, serves until ctx is cancelled or a listener
// fails, then shuts down gracefully. A bind failure returns before anything
// is served.
func (s *Server) Run(ctx context.Context) error {
	if err := s.manager.ListenAll(ctx); err != nil {
		s.gateway.Close(ctx)
		return err
	}
	s.ready.Store(true)
	s.gateway.Start()
	s.startWatcher()

	logging.Info("isogate ready", zap.String("url", s.URL()))
	if s.config.Open {
		go openBrowser(s.URL())
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range s.manager.Listeners() {
		g.Go(func() error {
			if err := l.Serve(); err != nil {
				return fmt.Errorf("listener %s: %w", l.ID(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})
	return g.Wait()
}

// startWatcher logs when the config file changes; the running route table
// stays as loaded.
func (s *Server) startWatcher() {
	if s.configPath == "" {
		return
	}
	w, err := config.NewWatcher(s.configPath)
	if err != nil {
		logging.Warn("Config watcher unavailable", zap.Error(err))
		return
	}
	w.OnChange(func(_ *config.Config, err error) {
		if err != nil {
			logging.Warn("Config file changed but is invalid",
				zap.String("path", s.configPath),
				zap.Error(err),
			)
			return
		}
		logging.Warn("Config file changed; restart isogate to apply",
			zap.String("path", s.configPath),
		)
	})
	if err := w.Start(); err != nil {
		logging.Warn("Config watcher unavailable", zap.Error(err))
		w.Stop()
		return
	}
	s.watcher = w
}

// Shutdown gracefully shuts down the servers. It is safe to call more
// than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	logging.Info("Shutting down gracefully...")
	s.ready.Store(false)

	if d := s.config.Shutdown.DrainDelay; d > 0 {
		logging.Info("Draining before closing listeners", zap.Duration("delay", d))
		time.Sleep(d)
	}

	timeout := s.config.Shutdown.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if err := s.manager.StopAll(ctx); err != nil {
		logging.Error("Listener shutdown error", zap.Error(err))
		errs = append(errs, err)
	}
	if err := s.gateway.Close(ctx); err != nil {
		logging.Error("Gateway close error", zap.Error(err))
		errs = append(errs, err)
	}

	logging.Info("Server shutdown complete")
	return errors.Join(errs...)
}

// URL returns the address clients and the browser use to reach the gateway.
func (s *Server) URL() string {
	return s.main.URL()
}

// Ready reports whether the listeners are bound and not shutting down.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Gateway returns the gateway
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// ListenerManager returns the listener manager
func (s *Server) ListenerManager() *listener.Manager {
	return s.manager
}
