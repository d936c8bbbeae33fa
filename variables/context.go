// Package variables carries per-request values between the middleware
// chain and the proxy dispatcher.
package variables

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"
)

// Context holds request-scoped values filled in as the request moves
// through the gateway.
type Context struct {
	RequestID            string
	RouteID              string
	UpstreamName         string
	UpstreamAddr         string
	UpstreamStatus       int
	UpstreamResponseTime time.Duration
	ErrorKind            string // set when the dispatcher answered with an error
	Static               bool   // served from the local static directory
	StartTime            time.Time
}

// RequestContextKey is the context key for storing variable context
type RequestContextKey struct{}

// NewContext creates a new variable context
func NewContext() *Context {
	return &Context{StartTime: time.Now()}
}

// WithContext returns a copy of r carrying c.
func WithContext(r *http.Request, c *Context) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), RequestContextKey{}, c))
}

// FromContext returns the variable context stored in ctx, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(RequestContextKey{}).(*Context)
	return c, ok
}

// GetFromRequest extracts the variable context from an HTTP request.
// A detached context is returned when none was attached, so callers can
// always write to the result.
func GetFromRequest(r *http.Request) *Context {
	if c, ok := FromContext(r.Context()); ok {
		return c
	}
	return NewContext()
}

// RemoteIP returns the host part of r.RemoteAddr.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ExtractClientIP extracts the originating client IP from the request,
// preferring X-Forwarded-For, then X-Real-IP, then RemoteAddr.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	return RemoteIP(r)
}
