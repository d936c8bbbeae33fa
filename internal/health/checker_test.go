package health

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/isogate/internal/config"
)

func mustOrigin(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCheckerHealthy(t *testing.T) {
	var gotPath, gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		gotUA.Store(r.UserAgent())
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	checker := NewChecker(Config{})
	checker.Add(Upstream{
		Name:   "orthanc",
		Origin: mustOrigin(t, srv.URL),
		Check:  config.HealthCheckConfig{Path: "/system", Interval: 20 * time.Millisecond},
	})
	checker.Start()
	defer checker.Stop()

	waitFor(t, func() bool { return checker.Status("orthanc") == StatusHealthy })
	if gotPath.Load() != "/system" {
		t.Errorf("probe path = %v", gotPath.Load())
	}
	if gotUA.Load() != "isogate-health" {
		t.Errorf("probe user agent = %v", gotUA.Load())
	}
}

func TestCheckerUnhealthyThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	checker := NewChecker(Config{})
	checker.Add(Upstream{
		Name:   "dicomweb",
		Origin: mustOrigin(t, srv.URL),
		Check:  config.HealthCheckConfig{UnhealthyAfter: 2},
	})

	if r := checker.CheckNow("dicomweb"); r.Status != StatusUnknown {
		t.Errorf("one failure below threshold should stay unknown, got %s", r.Status)
	}
	r := checker.CheckNow("dicomweb")
	if r.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", r.Status)
	}
	if r.Error == "" {
		t.Error("result should carry the probe error")
	}
}

func TestCheckerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	origin := mustOrigin(t, srv.URL)
	srv.Close()

	checker := NewChecker(Config{})
	checker.Add(Upstream{
		Name:   "gone",
		Origin: origin,
		Check:  config.HealthCheckConfig{UnhealthyAfter: 1, Timeout: time.Second},
	})
	if r := checker.CheckNow("gone"); r.Status != StatusUnhealthy {
		t.Errorf("refused connection should be unhealthy, got %s", r.Status)
	}
}

func TestCheckerOnChange(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var changes []Status
	checker := NewChecker(Config{OnChange: func(name string, s Status) {
		mu.Lock()
		changes = append(changes, s)
		mu.Unlock()
	}})
	checker.Add(Upstream{
		Name:   "orthanc",
		Origin: mustOrigin(t, srv.URL),
		Check:  config.HealthCheckConfig{UnhealthyAfter: 1},
	})

	checker.CheckNow("orthanc")
	checker.CheckNow("orthanc")
	healthy.Store(false)
	checker.CheckNow("orthanc")

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || changes[0] != StatusHealthy || changes[1] != StatusUnhealthy {
		t.Errorf("unexpected transitions %v", changes)
	}
}

func TestCheckerBacksOffWhileUnhealthy(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	checker := NewChecker(Config{})
	checker.Add(Upstream{
		Name:   "flaky",
		Origin: mustOrigin(t, srv.URL),
		Check: config.HealthCheckConfig{
			Interval:   10 * time.Millisecond,
			MaxBackoff: 10 * time.Second,
		},
	})
	checker.Start()
	time.Sleep(300 * time.Millisecond)
	checker.Stop()

	// A fixed 10ms interval would probe about 30 times.
	if n := probes.Load(); n == 0 || n > 15 {
		t.Errorf("expected backed-off probing, got %d probes", n)
	}
}

func TestCheckerResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	checker := NewChecker(Config{})
	checker.Add(Upstream{Name: "b", Origin: mustOrigin(t, srv.URL)})
	checker.Add(Upstream{Name: "a", Origin: mustOrigin(t, srv.URL)})
	checker.CheckNow("a")

	results := checker.Results()
	if len(results) != 2 || checker.Len() != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Upstream != "a" || results[1].Upstream != "b" {
		t.Errorf("results not sorted: %v", results)
	}
	if results[0].Status != StatusHealthy || results[1].Status != StatusUnknown {
		t.Errorf("unexpected statuses %v", results)
	}
	if results[0].URL != srv.URL+"/" {
		t.Errorf("url = %q", results[0].URL)
	}
	if checker.Status("missing") != StatusUnknown {
		t.Error("unknown upstream should report unknown")
	}
}
