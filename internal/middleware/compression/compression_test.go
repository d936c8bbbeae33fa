package compression

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/wudi/isogate/internal/config"
)

func TestNegotiateEncoding(t *testing.T) {
	c := New(config.CompressionConfig{Enabled: true})

	tests := []struct {
		name     string
		encoding string
		want     string
	}{
		{"server prefers br", "gzip, deflate, br, zstd", "br"},
		{"gzip only", "gzip, deflate", "gzip"},
		{"client quality wins", "br;q=0.5, gzip;q=1.0", "gzip"},
		{"rejected with q=0", "br;q=0, zstd;q=0, gzip", "gzip"},
		{"wildcard", "*", "br"},
		{"wildcard rejected", "*;q=0", ""},
		{"extra params", "gzip;level=1;q=0.8, zstd;q=0.9", "zstd"},
		{"case insensitive", "GZIP", "gzip"},
		{"nothing usable", "deflate", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.encoding != "" {
				r.Header.Set("Accept-Encoding", tt.encoding)
			}
			if got := c.NegotiateEncoding(r); got != tt.want {
				t.Errorf("NegotiateEncoding() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNegotiateEncodingRestrictedAlgorithms(t *testing.T) {
	c := New(config.CompressionConfig{Enabled: true, Algorithms: []string{"gzip"}})

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Accept-Encoding", "br, zstd, gzip")
	if got := c.NegotiateEncoding(r); got != "gzip" {
		t.Errorf("NegotiateEncoding() = %q, want gzip", got)
	}
}

func TestCompressorDisabled(t *testing.T) {
	c := New(config.CompressionConfig{Enabled: false})

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Accept-Encoding", "gzip")

	if c.NegotiateEncoding(r) != "" {
		t.Error("disabled compressor should not negotiate")
	}
}

func decode(t *testing.T, algo string, body []byte) string {
	t.Helper()
	var rd io.Reader
	switch algo {
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			t.Fatalf("gzip reader: %v", err)
		}
		defer gz.Close()
		rd = gz
	case "br":
		rd = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		dec, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			t.Fatalf("zstd reader: %v", err)
		}
		defer dec.Close()
		rd = dec
	}
	out, err := io.ReadAll(rd)
	if err != nil {
		t.Fatalf("decompress %s: %v", algo, err)
	}
	return string(out)
}

// serveAsset answers like the static server does: type and length staged,
// then http.ServeContent.
func serveAsset(contentType string, body []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
		http.ServeContent(w, r, "asset", time.Unix(1700000000, 0), bytes.NewReader(body))
	})
}

func TestMiddlewareEncodesAssets(t *testing.T) {
	bundle := strings.Repeat("export const viewer = () => render();\n", 200)

	for _, algo := range []string{"gzip", "br", "zstd"} {
		t.Run(algo, func(t *testing.T) {
			c := New(config.CompressionConfig{Enabled: true})
			h := c.Middleware()(serveAsset("text/javascript; charset=utf-8", []byte(bundle)))

			r := httptest.NewRequest("GET", "/assets/viewer.js", nil)
			r.Header.Set("Accept-Encoding", algo)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			if got := w.Header().Get("Content-Encoding"); got != algo {
				t.Fatalf("Content-Encoding = %q, want %q", got, algo)
			}
			if w.Header().Get("Content-Length") != "" || w.Header().Get("Accept-Ranges") != "" {
				t.Error("encoded asset must drop Content-Length and Accept-Ranges")
			}
			if w.Header().Get("Vary") != "Accept-Encoding" {
				t.Errorf("Vary = %q", w.Header().Get("Vary"))
			}
			if w.Header().Get("Cross-Origin-Embedder-Policy") != "require-corp" {
				t.Error("encoding must keep the other response headers")
			}
			if decode(t, algo, w.Body.Bytes()) != bundle {
				t.Error("decoded asset doesn't match")
			}

			stats := c.Stats()[algo]
			if stats.Responses != 1 || stats.BytesIn != int64(len(bundle)) {
				t.Errorf("stats = %+v", stats)
			}
			if stats.BytesOut != int64(w.Body.Len()) {
				t.Errorf("bytes out = %d, body = %d", stats.BytesOut, w.Body.Len())
			}
		})
	}
}

func TestMiddlewareSendsAssetAsIs(t *testing.T) {
	big := bytes.Repeat([]byte("<p>study list</p>"), 200)

	tests := []struct {
		name        string
		contentType string
		body        []byte
		setup       func(r *http.Request)
		status      int
	}{
		{"below min size", "text/html", []byte("<p>ok</p>"), nil, http.StatusOK},
		{"image", "image/png", big, nil, http.StatusOK},
		{"unlisted type", "application/dicom", big, nil, http.StatusOK},
		{"range request", "text/html", big, func(r *http.Request) { r.Header.Set("Range", "bytes=0-9") }, http.StatusPartialContent},
		{"head request", "text/html", big, func(r *http.Request) { r.Method = http.MethodHead }, http.StatusOK},
		{"not modified", "text/html", big, func(r *http.Request) {
			r.Header.Set("If-Modified-Since", time.Unix(1700000000, 0).UTC().Format(http.TimeFormat))
		}, http.StatusNotModified},
		{"identity only", "text/html", big, func(r *http.Request) { r.Header.Set("Accept-Encoding", "identity") }, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(config.CompressionConfig{Enabled: true})
			h := c.Middleware()(serveAsset(tt.contentType, tt.body))

			r := httptest.NewRequest("GET", "/index.html", nil)
			r.Header.Set("Accept-Encoding", "br, gzip")
			if tt.setup != nil {
				tt.setup(r)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if got := w.Header().Get("Content-Encoding"); got != "" {
				t.Errorf("Content-Encoding = %q, want none", got)
			}
			if tt.status == http.StatusOK && r.Method == http.MethodGet {
				if w.Body.Len() != len(tt.body) {
					t.Errorf("body length = %d, want %d", w.Body.Len(), len(tt.body))
				}
				if w.Header().Get("Content-Length") != strconv.Itoa(len(tt.body)) {
					t.Errorf("Content-Length = %q", w.Header().Get("Content-Length"))
				}
			}
		})
	}
}

func TestMiddlewareKeepsPrecompressedAsset(t *testing.T) {
	c := New(config.CompressionConfig{Enabled: true})
	payload := bytes.Repeat([]byte{0x1f, 0x8b}, 2048)

	h := c.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/wasm")
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(payload)
	}))

	r := httptest.NewRequest("GET", "/codecs/decoder.wasm", nil)
	r.Header.Set("Accept-Encoding", "br")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if got := w.Header().Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", got)
	}
	if !bytes.Equal(w.Body.Bytes(), payload) {
		t.Error("an already encoded asset must not be encoded twice")
	}
	if c.Stats()["br"].Responses != 0 {
		t.Error("pass-through must not be counted")
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	c := New(config.CompressionConfig{Enabled: false})
	h := c.Middleware()(serveAsset("text/html", bytes.Repeat([]byte("x"), 4096)))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Header().Get("Content-Encoding") != "" || w.Header().Get("Vary") != "" {
		t.Error("disabled compressor must leave responses alone")
	}
}

func TestStatsOnlyOfferedEncodings(t *testing.T) {
	c := New(config.CompressionConfig{Enabled: true, Algorithms: []string{"gzip", "zstd"}})
	stats := c.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 encodings, got %v", stats)
	}
	if _, ok := stats["br"]; ok {
		t.Error("br is not offered")
	}
}
