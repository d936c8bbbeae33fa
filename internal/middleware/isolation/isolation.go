// Package isolation stamps the cross-origin-isolation headers that make a
// page eligible for SharedArrayBuffer onto every response.
package isolation

import (
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"

	"github.com/wudi/isogate/internal/middleware"
)

// Header names and values the gateway always enforces.
const (
	OpenerPolicy        = "Cross-Origin-Opener-Policy"
	EmbedderPolicy      = "Cross-Origin-Embedder-Policy"
	OpenerPolicyValue   = "same-origin"
	EmbedderPolicyValue = "require-corp"
)

// Header is a pre-computed header name + value.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PatchSet is an ordered, immutable list of headers applied unconditionally.
type PatchSet struct {
	headers []Header
	metrics Metrics
}

// Metrics tracks how often the patch set has been applied.
type Metrics struct {
	Rewrites int64
	Injected int64
}

// Snapshot is a point-in-time copy of metrics.
type Snapshot struct {
	Rewrites int64    `json:"rewrites"`
	Injected int64    `json:"injected"`
	Headers  []Header `json:"headers"`
}

func defaults() []Header {
	return []Header{
		{OpenerPolicy, OpenerPolicyValue},
		{EmbedderPolicy, EmbedderPolicyValue},
	}
}

// Default returns the COOP same-origin / COEP require-corp pair.
func Default() *PatchSet {
	return &PatchSet{headers: defaults()}
}

// New returns the default pair followed by extra headers in name order.
// The two defaults cannot be overridden.
func New(extra map[string]string) (*PatchSet, error) {
	headers := defaults()

	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		canonical := http.CanonicalHeaderKey(name)
		if canonical == "" {
			return nil, fmt.Errorf("isolation: empty header name")
		}
		if canonical == OpenerPolicy || canonical == EmbedderPolicy {
			return nil, fmt.Errorf("isolation: %s cannot be overridden", canonical)
		}
		headers = append(headers, Header{canonical, extra[name]})
	}
	return &PatchSet{headers: headers}, nil
}

// Rewrite overwrites every patch header in h, replacing any upstream value.
func (p *PatchSet) Rewrite(h http.Header) {
	atomic.AddInt64(&p.metrics.Rewrites, 1)
	p.apply(h)
}

func (p *PatchSet) apply(h http.Header) {
	for _, hdr := range p.headers {
		h.Set(hdr.Name, hdr.Value)
	}
}

// Headers returns a copy of the patch in application order.
func (p *PatchSet) Headers() []Header {
	out := make([]Header, len(p.headers))
	copy(out, p.headers)
	return out
}

// Has reports whether name is part of the patch.
func (p *PatchSet) Has(name string) bool {
	name = http.CanonicalHeaderKey(name)
	for _, hdr := range p.headers {
		if hdr.Name == name {
			return true
		}
	}
	return false
}

// Snapshot returns a point-in-time copy of metrics.
func (p *PatchSet) Snapshot() Snapshot {
	return Snapshot{
		Rewrites: atomic.LoadInt64(&p.metrics.Rewrites),
		Injected: atomic.LoadInt64(&p.metrics.Injected),
		Headers:  p.Headers(),
	}
}

// Middleware sets the patch headers on the response before next runs, so
// every response the gateway writes carries them, error pages included.
func Middleware(p *PatchSet) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(&p.metrics.Injected, 1)
			p.apply(w.Header())
			next.ServeHTTP(w, r)
		})
	}
}
