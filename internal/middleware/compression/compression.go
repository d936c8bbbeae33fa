// Package compression encodes the static assets the gateway serves itself.
// Proxied responses never pass through it: upstream bodies are relayed as
// they arrive.
package compression

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/wudi/isogate/internal/config"
	"github.com/wudi/isogate/internal/middleware"
)

// preference orders the encodings when the client weighs them equally.
var preference = []string{"br", "zstd", "gzip"}

// defaultTypes are the text-like assets a viewer build ships. Images and
// DICOM payloads are already compressed.
var defaultTypes = []string{
	"text/html",
	"text/css",
	"text/plain",
	"text/javascript",
	"application/javascript",
	"application/json",
	"application/manifest+json",
	"application/wasm",
	"image/svg+xml",
}

// EncodingStats counts the assets sent with one encoding.
type EncodingStats struct {
	Responses int64 `json:"responses"`
	BytesIn   int64 `json:"bytes_in"`
	BytesOut  int64 `json:"bytes_out"`
}

type counters struct {
	responses atomic.Int64
	in        atomic.Int64
	out       atomic.Int64
}

// Compressor negotiates and applies Content-Encoding for static assets.
type Compressor struct {
	enabled bool
	level   int
	minSize int64
	types   map[string]bool
	offered []string
	stats   map[string]*counters
	zstd    sync.Pool
}

// New creates a Compressor from config.
func New(cfg config.CompressionConfig) *Compressor {
	c := &Compressor{
		enabled: cfg.Enabled,
		level:   cfg.Level,
		minSize: int64(cfg.MinSize),
		types:   make(map[string]bool),
		stats:   make(map[string]*counters),
	}
	if c.level <= 0 || c.level > 11 {
		c.level = 6
	}
	if c.minSize <= 0 {
		c.minSize = 1024
	}

	allowed := make(map[string]bool, len(cfg.Algorithms))
	for _, a := range cfg.Algorithms {
		allowed[a] = true
	}
	for _, enc := range preference {
		if len(allowed) == 0 || allowed[enc] {
			c.offered = append(c.offered, enc)
			c.stats[enc] = &counters{}
		}
	}

	types := cfg.ContentTypes
	if len(types) == 0 {
		types = defaultTypes
	}
	for _, t := range types {
		c.types[strings.ToLower(t)] = true
	}

	zstdLevel := zstd.EncoderLevelFromZstd(c.level)
	c.zstd.New = func() any {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
		return enc
	}
	return c
}

// IsEnabled returns whether compression is enabled.
func (c *Compressor) IsEnabled() bool {
	return c.enabled
}

// NegotiateEncoding picks the encoding for r from its Accept-Encoding
// header, or "" when the asset goes out as is.
func (c *Compressor) NegotiateEncoding(r *http.Request) string {
	if !c.enabled {
		return ""
	}
	accepted := acceptedEncodings(r.Header.Get("Accept-Encoding"))
	best, bestQ := "", 0.0
	for _, enc := range c.offered {
		q, ok := accepted[enc]
		if !ok {
			q, ok = accepted["*"]
		}
		if ok && q > bestQ {
			best, bestQ = enc, q
		}
	}
	return best
}

// acceptedEncodings maps each listed coding to its q-value.
func acceptedEncodings(header string) map[string]float64 {
	out := make(map[string]float64)
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(part, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		q := 1.0
		for _, p := range strings.Split(params, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
			if ok && strings.EqualFold(k, "q") {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					q = f
				}
			}
		}
		out[name] = q
	}
	return out
}

// shouldEncode decides from the staged headers. http.ServeContent sets the
// type and length before the status goes out, so nothing is buffered.
func (c *Compressor) shouldEncode(status int, h http.Header) bool {
	if status != http.StatusOK || h.Get("Content-Encoding") != "" {
		return false
	}
	if n, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64); err == nil && n < c.minSize {
		return false
	}
	mediaType, _, _ := strings.Cut(h.Get("Content-Type"), ";")
	return c.types[strings.ToLower(strings.TrimSpace(mediaType))]
}

func (c *Compressor) encoder(w io.Writer, encoding string) io.WriteCloser {
	switch encoding {
	case "br":
		return brotli.NewWriterLevel(w, c.level)
	case "zstd":
		enc := c.zstd.Get().(*zstd.Encoder)
		enc.Reset(w)
		return &zstdWriter{Encoder: enc, pool: &c.zstd}
	default:
		gz, _ := gzip.NewWriterLevel(w, min(c.level, gzip.BestCompression))
		return gz
	}
}

type zstdWriter struct {
	*zstd.Encoder
	pool *sync.Pool
}

func (z *zstdWriter) Close() error {
	err := z.Encoder.Close()
	z.pool.Put(z.Encoder)
	return err
}

// Stats returns per-encoding counters.
func (c *Compressor) Stats() map[string]EncodingStats {
	out := make(map[string]EncodingStats, len(c.stats))
	for enc, s := range c.stats {
		out[enc] = EncodingStats{
			Responses: s.responses.Load(),
			BytesIn:   s.in.Load(),
			BytesOut:  s.out.Load(),
		}
	}
	return out
}

// Middleware encodes the responses of next when the client accepts one of
// the offered encodings. HEAD and range requests pass through so their
// Content-Length and byte offsets stay exact.
func (c *Compressor) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if !c.enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || r.Header.Get("Range") != "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Accept-Encoding")
			encoding := c.NegotiateEncoding(r)
			if encoding == "" {
				next.ServeHTTP(w, r)
				return
			}
			aw := &assetWriter{ResponseWriter: w, c: c, encoding: encoding}
			defer aw.finish()
			next.ServeHTTP(aw, r)
		})
	}
}

type byteCounter struct {
	w io.Writer
	n int64
}

func (bc *byteCounter) Write(p []byte) (int, error) {
	n, err := bc.w.Write(p)
	bc.n += int64(n)
	return n, err
}

// assetWriter switches to an encoder on the first WriteHeader when the
// staged headers qualify.
type assetWriter struct {
	http.ResponseWriter
	c        *Compressor
	encoding string
	decided  bool
	enc      io.WriteCloser
	out      byteCounter
	in       int64
}

func (w *assetWriter) WriteHeader(status int) {
	if !w.decided {
		w.decided = true
		if h := w.Header(); w.c.shouldEncode(status, h) {
			h.Del("Content-Length")
			h.Del("Accept-Ranges")
			h.Set("Content-Encoding", w.encoding)
			w.out.w = w.ResponseWriter
			w.enc = w.c.encoder(&w.out, w.encoding)
		}
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *assetWriter) Write(b []byte) (int, error) {
	if !w.decided {
		w.WriteHeader(http.StatusOK)
	}
	if w.enc == nil {
		return w.ResponseWriter.Write(b)
	}
	w.in += int64(len(b))
	return w.enc.Write(b)
}

// Flush implements http.Flusher.
func (w *assetWriter) Flush() {
	if f, ok := w.enc.(interface{ Flush() error }); ok {
		f.Flush()
	}
	http.NewResponseController(w.ResponseWriter).Flush()
}

// Unwrap returns the underlying ResponseWriter.
func (w *assetWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *assetWriter) finish() {
	if w.enc == nil {
		return
	}
	w.enc.Close()
	s := w.c.stats[w.encoding]
	s.responses.Add(1)
	s.in.Add(w.in)
	s.out.Add(w.out.n)
}
