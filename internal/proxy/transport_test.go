package proxy

import (
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wudi/isogate/internal/config"
)

func TestNewTransport(t *testing.T) {
	cfg := config.DefaultConfig().Transport
	tr, err := NewTransport(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if tr.MaxIdleConns != cfg.MaxIdleConns {
		t.Errorf("MaxIdleConns = %d, want %d", tr.MaxIdleConns, cfg.MaxIdleConns)
	}
	if !tr.TLSClientConfig.InsecureSkipVerify {
		t.Error("secure=false must skip certificate verification")
	}

	tr, err = NewTransport(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	if tr.TLSClientConfig.InsecureSkipVerify {
		t.Error("secure=true must verify certificates")
	}
}

func TestNewTransportCAFile(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	caPath := filepath.Join(t.TempDir(), "ca.pem")
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	if err := os.WriteFile(caPath, caPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig().Transport
	cfg.CAFile = caPath
	tr, err := NewTransport(cfg, true)
	if err != nil {
		t.Fatal(err)
	}

	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request with trusted CA failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestNewTransportCAFileErrors(t *testing.T) {
	cfg := config.DefaultConfig().Transport

	cfg.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := NewTransport(cfg, true); err == nil {
		t.Error("expected error for missing ca_file")
	}

	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	os.WriteFile(garbage, []byte("not a certificate"), 0o600)
	cfg.CAFile = garbage
	if _, err := NewTransport(cfg, true); err == nil {
		t.Error("expected error for ca_file without certificates")
	}
}

func TestTransportPool(t *testing.T) {
	defaults := config.DefaultConfig().Transport
	pool := NewTransportPool(defaults)

	custom := defaults
	custom.MaxIdleConns = 42
	pool.Configure("orthanc", custom)

	tr, err := pool.Get("orthanc", false)
	if err != nil {
		t.Fatal(err)
	}
	if tr.MaxIdleConns != 42 {
		t.Errorf("MaxIdleConns = %d, want 42", tr.MaxIdleConns)
	}

	again, _ := pool.Get("orthanc", false)
	if again != tr {
		t.Error("expected the same transport on repeated Get")
	}

	verified, _ := pool.Get("orthanc", true)
	if verified == tr {
		t.Error("secure and insecure modes must not share a transport")
	}

	inline, _ := pool.Get("http://192.168.1.3:18997", false)
	if inline.MaxIdleConns != defaults.MaxIdleConns {
		t.Errorf("unconfigured upstream MaxIdleConns = %d, want default %d", inline.MaxIdleConns, defaults.MaxIdleConns)
	}

	names := pool.Names()
	if len(names) != 2 || names[0] != "http://192.168.1.3:18997" || names[1] != "orthanc" {
		t.Errorf("Names() = %v", names)
	}

	pool.CloseIdleConnections()
}

func TestTransportPoolPropagatesErrors(t *testing.T) {
	defaults := config.DefaultConfig().Transport
	pool := NewTransportPool(defaults)

	bad := defaults
	bad.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	pool.Configure("dicomweb", bad)

	if _, err := pool.Get("dicomweb", true); err == nil {
		t.Error("expected error from misconfigured upstream")
	}
}
