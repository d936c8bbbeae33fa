// Package listener owns the gateway's network listeners: the client-facing
// HTTP listener and the optional admin listener.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/isogate/internal/logging"
)

// Listener represents a network listener that can accept connections
type Listener interface {
	// ID returns the unique identifier for this listener
	ID() string

	// Listen binds the address. It fails fast when the port is in use.
	Listen() error

	// Serve accepts connections until Stop is called. It returns nil after
	// a graceful stop.
	Serve() error

	// Stop gracefully stops the listener
	Stop(ctx context.Context) error

	// Addr returns the bound address, or the configured one before Listen
	Addr() string
}

// Manager manages multiple listeners in registration order.
type Manager struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewManager creates a new listener manager
func NewManager() *Manager {
	return &Manager{}
}

// Add adds a listener to the manager
func (m *Manager) Add(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.listeners {
		if existing.ID() == l.ID() {
			return fmt.Errorf("listener with id %s already exists", l.ID())
		}
	}
	m.listeners = append(m.listeners, l)
	return nil
}

// Get returns a listener by ID
func (m *Manager) Get(id string) (Listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.listeners {
		if l.ID() == id {
			return l, true
		}
	}
	return nil, false
}

// ListenAll binds every listener. When one fails, the ones already bound
// are stopped again.
func (m *Manager) ListenAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, l := range m.listeners {
		if err := l.Listen(); err != nil {
			for _, bound := range m.listeners[:i] {
				bound.Stop(ctx)
			}
			return fmt.Errorf("listener %s: %w", l.ID(), err)
		}
		logging.Info("Listening",
			zap.String("listener", l.ID()),
			zap.String("address", l.Addr()),
		)
	}
	return nil
}

// Listeners returns the registered listeners.
func (m *Manager) Listeners() []Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Listener(nil), m.listeners...)
}

// StopAll gracefully stops all listeners
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(m.listeners))

	for _, l := range m.listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logging.Info("Stopping listener", zap.String("listener", l.ID()))
			if err := l.Stop(ctx); err != nil {
				errCh <- fmt.Errorf("listener %s: %w", l.ID(), err)
			}
		}()
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Count returns the number of registered listeners
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// List returns all listener IDs
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.listeners))
	for _, l := range m.listeners {
		ids = append(ids, l.ID())
	}
	return ids
}
