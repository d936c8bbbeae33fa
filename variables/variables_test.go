package variables

import (
	"net/http/httptest"
	"testing"
)

func TestGetFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/instances/1", nil)

	detached := GetFromRequest(req)
	if detached == nil {
		t.Fatal("GetFromRequest should never return nil")
	}
	if _, ok := FromContext(req.Context()); ok {
		t.Error("request without context should report none attached")
	}

	c := NewContext()
	c.RequestID = "req-1"
	req = WithContext(req, c)

	got := GetFromRequest(req)
	if got != c {
		t.Error("expected the attached context")
	}
	got.RouteID = "/instances"
	if c.RouteID != "/instances" {
		t.Error("writes through the returned pointer should be visible to the owner")
	}
	if c.StartTime.IsZero() {
		t.Error("NewContext should stamp StartTime")
	}
}

func TestExtractClientIP(t *testing.T) {
	t.Run("XFF single", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Forwarded-For", "1.2.3.4")
		if got := ExtractClientIP(req); got != "1.2.3.4" {
			t.Errorf("got %q, want %q", got, "1.2.3.4")
		}
	})

	t.Run("XFF multiple", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
		if got := ExtractClientIP(req); got != "1.2.3.4" {
			t.Errorf("got %q, want %q", got, "1.2.3.4")
		}
	})

	t.Run("X-Real-IP", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Real-IP", "10.0.0.1")
		if got := ExtractClientIP(req); got != "10.0.0.1" {
			t.Errorf("got %q, want %q", got, "10.0.0.1")
		}
	})

	t.Run("RemoteAddr fallback", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		if got := ExtractClientIP(req); got != "192.168.1.1" {
			t.Errorf("got %q, want %q", got, "192.168.1.1")
		}
	})

	t.Run("RemoteAddr no port", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "192.168.1.1"
		if got := ExtractClientIP(req); got != "192.168.1.1" {
			t.Errorf("got %q, want %q", got, "192.168.1.1")
		}
	})
}

func TestRemoteIPIgnoresForwardedHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	req.Header.Set("X-Forwarded-For", "9.9.9.9")
	if got := RemoteIP(req); got != "127.0.0.1" {
		t.Errorf("got %q, want 127.0.0.1", got)
	}
}
