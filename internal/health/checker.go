// Package health probes upstream origins in the background. Probe results
// feed the admin API and metrics; they never gate proxying.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/isogate/internal/config"
	"github.com/wudi/isogate/internal/logging"
)

// Status represents health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of the latest probe of an upstream.
type CheckResult struct {
	Upstream  string    `json:"upstream"`
	URL       string    `json:"url"`
	Status    Status    `json:"status"`
	Latency   string    `json:"latency,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Upstream is an origin to probe.
type Upstream struct {
	Name      string
	Origin    *url.URL
	Transport http.RoundTripper // nil uses http.DefaultTransport
	Check     config.HealthCheckConfig
}

// Config holds health checker configuration
type Config struct {
	OnChange func(upstream string, status Status)
}

// Checker probes upstreams, one goroutine per upstream.
type Checker struct {
	mu        sync.RWMutex
	upstreams map[string]*upstreamState
	onChange  func(string, Status)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type upstreamState struct {
	upstream        Upstream
	client          *http.Client
	status          Status
	lastCheck       time.Time
	lastError       error
	latency         time.Duration
	consecutivePass int
	consecutiveFail int
}

// NewChecker creates a new health checker
func NewChecker(cfg Config) *Checker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Checker{
		upstreams: make(map[string]*upstreamState),
		onChange:  cfg.OnChange,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func applyDefaults(hc *config.HealthCheckConfig) {
	if hc.Path == "" {
		hc.Path = "/"
	}
	if hc.Method == "" {
		hc.Method = http.MethodGet
	}
	if hc.Interval <= 0 {
		hc.Interval = 10 * time.Second
	}
	if hc.Timeout <= 0 {
		hc.Timeout = 5 * time.Second
	}
	if hc.HealthyAfter <= 0 {
		hc.HealthyAfter = 1
	}
	if hc.UnhealthyAfter <= 0 {
		hc.UnhealthyAfter = 3
	}
	if hc.MaxBackoff < hc.Interval {
		hc.MaxBackoff = max(time.Minute, hc.Interval)
	}
}

// Add registers an upstream. Probing begins on Start.
func (c *Checker) Add(u Upstream) {
	applyDefaults(&u.Check)
	transport := u.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.upstreams[u.Name] = &upstreamState{
		upstream: u,
		client: &http.Client{
			Transport: transport,
			Timeout:   u.Check.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		status: StatusUnknown,
	}
}

// Start launches a probe loop per registered upstream.
func (c *Checker) Start() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name := range c.upstreams {
		c.wg.Add(1)
		go c.checkLoop(name)
	}
}

// Stop stops all probe loops and waits for them to exit.
func (c *Checker) Stop() {
	c.cancel()
	c.wg.Wait()
}

// checkLoop probes at the configured interval while the upstream answers
// and backs off exponentially, up to MaxBackoff, while it does not.
func (c *Checker) checkLoop(name string) {
	defer c.wg.Done()

	c.mu.RLock()
	state, ok := c.upstreams[name]
	c.mu.RUnlock()
	if !ok {
		return
	}
	hc := state.upstream.Check

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = hc.Interval
	bo.MaxInterval = hc.MaxBackoff
	bo.MaxElapsedTime = 0 // never give up

	for {
		wait := hc.Interval
		if err := c.check(name); err != nil {
			wait = bo.NextBackOff()
		} else {
			bo.Reset()
		}

		select {
		case <-time.After(wait):
		case <-c.ctx.Done():
			return
		}
	}
}

// check performs a single probe. Any HTTP response below 500 counts as
// healthy: the probe establishes reachability, not application health.
func (c *Checker) check(name string) error {
	c.mu.RLock()
	state, ok := c.upstreams[name]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown upstream %q", name)
	}
	u := state.upstream

	target := u.Origin.JoinPath(u.Check.Path)
	start := time.Now()

	req, err := http.NewRequestWithContext(c.ctx, u.Check.Method, target.String(), nil)
	if err != nil {
		c.updateStatus(name, time.Since(start), err)
		return err
	}
	req.Header.Set("User-Agent", "isogate-health")

	resp, err := state.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		c.updateStatus(name, latency, err)
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		err = fmt.Errorf("unhealthy status code: %d", resp.StatusCode)
	}
	c.updateStatus(name, latency, err)
	return err
}

// updateStatus updates the health status with threshold logic
func (c *Checker) updateStatus(name string, latency time.Duration, err error) {
	c.mu.Lock()
	state, ok := c.upstreams[name]
	if !ok {
		c.mu.Unlock()
		return
	}

	state.lastCheck = time.Now()
	state.lastError = err
	state.latency = latency

	oldStatus := state.status
	if err == nil {
		state.consecutiveFail = 0
		state.consecutivePass++
		if state.consecutivePass >= state.upstream.Check.HealthyAfter {
			state.status = StatusHealthy
		}
	} else {
		state.consecutivePass = 0
		state.consecutiveFail++
		if state.consecutiveFail >= state.upstream.Check.UnhealthyAfter {
			state.status = StatusUnhealthy
		}
	}
	newStatus := state.status
	origin := state.upstream.Origin.String()
	c.mu.Unlock()

	if oldStatus == newStatus {
		return
	}
	if newStatus == StatusUnhealthy {
		logging.Warn("Upstream unhealthy",
			zap.String("upstream", name),
			zap.String("origin", origin),
			zap.Error(err),
		)
	} else {
		logging.Info("Upstream health changed",
			zap.String("upstream", name),
			zap.String("origin", origin),
			zap.String("status", string(newStatus)),
		)
	}
	if c.onChange != nil {
		c.onChange(name, newStatus)
	}
}

// Status returns the health status of an upstream
func (c *Checker) Status(name string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if state, ok := c.upstreams[name]; ok {
		return state.status
	}
	return StatusUnknown
}

// CheckNow probes an upstream immediately and returns the result.
func (c *Checker) CheckNow(name string) CheckResult {
	c.check(name)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if state, ok := c.upstreams[name]; ok {
		return state.result(name)
	}
	return CheckResult{Upstream: name, Status: StatusUnknown, Timestamp: time.Now()}
}

// Results returns the latest result for every upstream, sorted by name.
func (c *Checker) Results() []CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make([]CheckResult, 0, len(c.upstreams))
	for name, state := range c.upstreams {
		results = append(results, state.result(name))
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Upstream < results[j].Upstream })
	return results
}

// Len returns the number of probed upstreams.
func (c *Checker) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.upstreams)
}

func (s *upstreamState) result(name string) CheckResult {
	r := CheckResult{
		Upstream:  name,
		URL:       s.upstream.Origin.JoinPath(s.upstream.Check.Path).String(),
		Status:    s.status,
		Timestamp: s.lastCheck,
	}
	if s.latency > 0 {
		r.Latency = s.latency.String()
	}
	if s.lastError != nil {
		r.Error = s.lastError.Error()
	}
	return r
}
