package proxy

import (
	"fmt"
	"net/http"

	"github.com/wudi/isogate/internal/errors"
	"github.com/wudi/isogate/internal/router"
	"github.com/wudi/isogate/internal/websocket"
	"github.com/wudi/isogate/variables"
)

// Dispatcher sends each request either to the proxy handler of the first
// matching route or to the fallback handler.
type Dispatcher struct {
	table    *router.Table
	proxy    *Proxy
	handlers map[*router.Route]http.Handler
	fallback http.Handler
}

// NewDispatcher builds one proxy handler per route. fallback serves every
// path no route matches; nil answers those with 404.
func NewDispatcher(table *router.Table, p *Proxy, fallback http.Handler) (*Dispatcher, error) {
	d := &Dispatcher{
		table:    table,
		proxy:    p,
		handlers: make(map[*router.Route]http.Handler, table.Len()),
		fallback: fallback,
	}
	for _, route := range table.Routes() {
		h, err := p.Handler(route)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: %w", err)
		}
		d.handlers[route] = h
	}
	return d, nil
}

// ServeHTTP implements http.Handler
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if route, ok := d.table.Match(r.URL.Path); ok {
		d.handlers[route].ServeHTTP(w, r)
		return
	}

	// The local server speaks no WebSocket; answering a handshake with the
	// application's index page would only confuse the client.
	if websocket.IsUpgradeRequest(r) {
		d.proxy.fail(w, r, nil, variables.GetFromRequest(r), errWebSocketNotForwarded)
		return
	}

	if d.fallback == nil {
		errors.ErrNotFound.WriteJSON(w)
		return
	}
	d.fallback.ServeHTTP(w, r)
}

// Table returns the route table.
func (d *Dispatcher) Table() *router.Table {
	return d.table
}
