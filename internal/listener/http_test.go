package listener

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/wudi/isogate/internal/config"
)

func TestHTTPListenerServeStop(t *testing.T) {
	l := NewHTTPListener(HTTPListenerConfig{
		ID:     "http",
		Listen: config.ListenConfig{Address: "127.0.0.1:0"},
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "ok")
		}),
	})
	if err := l.Listen(); err != nil {
		t.Fatal(err)
	}
	if strings.HasSuffix(l.Addr(), ":0") {
		t.Fatalf("Addr should report the bound port, got %s", l.Addr())
	}

	served := make(chan error, 1)
	go func() { served <- l.Serve() }()

	resp, err := http.Get(l.URL() + "/")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-served; err != nil {
		t.Errorf("Serve after graceful stop returned %v", err)
	}
}

func TestHTTPListenerPortInUse(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()

	l := NewHTTPListener(HTTPListenerConfig{
		ID:     "http",
		Listen: config.ListenConfig{Address: taken.Addr().String()},
	})
	if err := l.Listen(); err == nil {
		t.Fatal("expected bind error for an address in use")
	}
}

func TestHTTPListenerServeBeforeListen(t *testing.T) {
	l := NewHTTPListener(HTTPListenerConfig{ID: "http"})
	if err := l.Serve(); err == nil {
		t.Fatal("expected error")
	}
}

func TestHTTPListenerDefaults(t *testing.T) {
	l := NewHTTPListener(HTTPListenerConfig{ID: "http", Listen: config.ListenConfig{Address: ":3002"}})
	srv := l.Server()
	if srv.WriteTimeout != 0 {
		t.Errorf("write timeout should stay disabled, got %v", srv.WriteTimeout)
	}
	if srv.ReadHeaderTimeout != 10*time.Second || srv.MaxHeaderBytes != 1<<20 {
		t.Errorf("unexpected defaults: %v %d", srv.ReadHeaderTimeout, srv.MaxHeaderBytes)
	}
}

func TestHTTPListenerURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":3002", "http://localhost:3002"},
		{"0.0.0.0:3002", "http://localhost:3002"},
		{"[::]:3002", "http://localhost:3002"},
		{"127.0.0.1:3002", "http://127.0.0.1:3002"},
	}
	for _, tt := range tests {
		l := NewHTTPListener(HTTPListenerConfig{ID: "http", Listen: config.ListenConfig{Address: tt.addr}})
		if got := l.URL(); got != tt.want {
			t.Errorf("URL(%s) = %s, want %s", tt.addr, got, tt.want)
		}
	}
}
