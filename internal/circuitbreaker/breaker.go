// Package circuitbreaker guards upstream origins with per-upstream breakers
// built on sony/gobreaker. An open breaker fails requests fast; nothing is
// ever retried.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/wudi/isogate/internal/config"
)

// ErrOpen is returned when a breaker rejects a request.
var ErrOpen = errors.New("circuit breaker is open")

// StateChangeFunc is called on every breaker transition.
type StateChangeFunc func(name string, from, to gobreaker.State)

// Breaker wraps a two-step gobreaker so the outcome can be reported after
// the upstream round trip returns.
type Breaker struct {
	name             string
	cb               *gobreaker.TwoStepCircuitBreaker[struct{}]
	failureThreshold int
	maxRequests      int
	timeout          time.Duration

	// Metrics (atomic for lock-free reads)
	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// NewBreaker creates a new circuit breaker
func NewBreaker(name string, cfg config.CircuitBreakerConfig, onChange StateChangeFunc) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}

	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 1
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: toUint32(maxRequests),
		Interval:    cfg.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= toUint32(failureThreshold)
		},
		IsSuccessful: isSuccessful,
	}
	if onChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			onChange(name, from, to)
		}
	}

	return &Breaker{
		name:             name,
		cb:               gobreaker.NewTwoStepCircuitBreaker[struct{}](settings),
		failureThreshold: failureThreshold,
		maxRequests:      maxRequests,
		timeout:          timeout,
	}
}

func toUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

// Allow checks whether a request may proceed. On success the returned
// done func must be called exactly once with the outcome.
func (b *Breaker) Allow() (done func(error), err error) {
	b.totalRequests.Add(1)

	report, err := b.cb.Allow()
	if err != nil {
		b.totalRejected.Add(1)
		return nil, fmt.Errorf("%w: %s (%v)", ErrOpen, b.name, err)
	}

	return func(err error) {
		if isSuccessful(err) {
			b.totalSuccesses.Add(1)
		} else {
			b.totalFailures.Add(1)
		}
		report(err)
	}, nil
}

// isSuccessful treats a canceled round trip as success: a client that went
// away says nothing about the upstream.
func isSuccessful(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// Wrap returns a RoundTripper that consults the breaker before each
// round trip and reports transport errors as failures.
func (b *Breaker) Wrap(next http.RoundTripper) http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		done, err := b.Allow()
		if err != nil {
			return nil, err
		}
		resp, err := next.RoundTrip(req)
		outcome := err
		if errors.Is(err, context.Canceled) {
			// A deadline enforced through cancellation carries its cause
			outcome = context.Cause(req.Context())
		}
		done(outcome)
		return resp, err
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Snapshot returns a point-in-time view of the breaker state
func (b *Breaker) Snapshot() BreakerSnapshot {
	counts := b.cb.Counts()
	return BreakerSnapshot{
		State:               b.cb.State().String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		FailureThreshold:    b.failureThreshold,
		MaxRequests:         b.maxRequests,
		Timeout:             b.timeout.String(),
		TotalRequests:       b.totalRequests.Load(),
		TotalFailures:       b.totalFailures.Load(),
		TotalSuccesses:      b.totalSuccesses.Load(),
		TotalRejected:       b.totalRejected.Load(),
	}
}

// BreakerSnapshot is a point-in-time view of a circuit breaker
type BreakerSnapshot struct {
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	MaxRequests         int    `json:"max_requests"`
	Timeout             string `json:"timeout"`
	TotalRequests       int64  `json:"total_requests"`
	TotalFailures       int64  `json:"total_failures"`
	TotalSuccesses      int64  `json:"total_successes"`
	TotalRejected       int64  `json:"total_rejected"`
}

// BreakerByUpstream manages circuit breakers per upstream
type BreakerByUpstream struct {
	breakers map[string]*Breaker
	onChange StateChangeFunc
	mu       sync.RWMutex
}

// NewBreakerByUpstream creates a new upstream-keyed circuit breaker manager
func NewBreakerByUpstream(onChange StateChangeFunc) *BreakerByUpstream {
	return &BreakerByUpstream{
		breakers: make(map[string]*Breaker),
		onChange: onChange,
	}
}

// Add adds a circuit breaker for an upstream
func (bu *BreakerByUpstream) Add(upstream string, cfg config.CircuitBreakerConfig) *Breaker {
	bu.mu.Lock()
	defer bu.mu.Unlock()
	b := NewBreaker(upstream, cfg, bu.onChange)
	bu.breakers[upstream] = b
	return b
}

// Get returns the circuit breaker for an upstream, or nil
func (bu *BreakerByUpstream) Get(upstream string) *Breaker {
	bu.mu.RLock()
	defer bu.mu.RUnlock()
	return bu.breakers[upstream]
}

// Snapshots returns snapshots of all circuit breakers
func (bu *BreakerByUpstream) Snapshots() map[string]BreakerSnapshot {
	bu.mu.RLock()
	defer bu.mu.RUnlock()

	result := make(map[string]BreakerSnapshot, len(bu.breakers))
	for id, b := range bu.breakers {
		result[id] = b.Snapshot()
	}
	return result
}
