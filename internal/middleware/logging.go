package middleware

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wudi/isogate/internal/errors"
	"github.com/wudi/isogate/internal/logging"
	"github.com/wudi/isogate/variables"
	"go.uber.org/zap"
)

var recorderPool = sync.Pool{
	New: func() any { return &ResponseRecorder{} },
}

// LoggingConfig configures the access log middleware
type LoggingConfig struct {
	// SkipPaths are paths that should not be logged
	SkipPaths []string
}

// DefaultLoggingConfig provides default logging settings
var DefaultLoggingConfig = LoggingConfig{}

// Logging creates an access log middleware with default config
func Logging() Middleware {
	return LoggingWithConfig(DefaultLoggingConfig)
}

// LoggingWithConfig creates an access log middleware emitting one
// structured "HTTP request" entry per request.
func LoggingWithConfig(cfg LoggingConfig) Middleware {
	skipPaths := make(map[string]bool)
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := acquireRecorder(w)
			defer releaseRecorder(rec)
			// Deferred so a response aborted with http.ErrAbortHandler is logged too
			defer logAccess(r, rec, start)

			next.ServeHTTP(rec, r)
		})
	}
}

func logAccess(r *http.Request, rec *ResponseRecorder, start time.Time) {
	duration := time.Since(start)
	varCtx := variables.GetFromRequest(r)

	// Stack-allocated array avoids slice growth allocations.
	var fields [16]zap.Field
	n := 0
	fields[n] = zap.String("request_id", varCtx.RequestID); n++
	fields[n] = zap.String("remote_addr", variables.ExtractClientIP(r)); n++
	fields[n] = zap.String("method", r.Method); n++
	fields[n] = zap.String("path", r.URL.Path); n++
	status := rec.Status()
	if varCtx.ErrorKind == errors.KindClientCanceled {
		status = errors.StatusClientClosedRequest
	}
	fields[n] = zap.Int("status", status); n++
	fields[n] = zap.Int64("body_bytes", rec.BytesWritten()); n++
	fields[n] = zap.Duration("response_time", duration); n++
	if r.URL.RawQuery != "" {
		fields[n] = zap.String("query", r.URL.RawQuery); n++
	}
	if varCtx.RouteID != "" {
		fields[n] = zap.String("route_id", varCtx.RouteID); n++
	}
	if varCtx.UpstreamName != "" {
		fields[n] = zap.String("upstream", varCtx.UpstreamName); n++
	}
	if varCtx.UpstreamStatus != 0 {
		fields[n] = zap.Int("upstream_status", varCtx.UpstreamStatus); n++
		fields[n] = zap.Duration("upstream_time", varCtx.UpstreamResponseTime); n++
	}
	if varCtx.ErrorKind != "" {
		fields[n] = zap.String("error_kind", varCtx.ErrorKind); n++
	}
	if varCtx.Static {
		fields[n] = zap.Bool("static", true); n++
	}
	if ua := r.UserAgent(); ua != "" {
		fields[n] = zap.String("user_agent", ua); n++
	}

	logging.Info("HTTP request", fields[:n]...)
}

func acquireRecorder(w http.ResponseWriter) *ResponseRecorder {
	rec := recorderPool.Get().(*ResponseRecorder)
	rec.ResponseWriter = w
	rec.status = http.StatusOK
	rec.bytes = 0
	rec.wroteHeader = false
	return rec
}

func releaseRecorder(rec *ResponseRecorder) {
	rec.ResponseWriter = nil
	recorderPool.Put(rec)
}

// ResponseRecorder wraps http.ResponseWriter to capture status and bytes.
// It forwards Flush and Hijack so streaming and WebSocket tunnels still work.
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

// NewResponseRecorder wraps w.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rec *ResponseRecorder) WriteHeader(status int) {
	if !rec.wroteHeader {
		rec.status = status
		// 1xx responses other than 101 are informational; the final status follows
		rec.wroteHeader = status >= 200 || status == http.StatusSwitchingProtocols
	}
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *ResponseRecorder) Write(b []byte) (int, error) {
	rec.wroteHeader = true
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (rec *ResponseRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker
func (rec *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rec.ResponseWriter.(http.Hijacker); ok {
		rec.status = http.StatusSwitchingProtocols
		rec.wroteHeader = true
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rec *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// Status returns the recorded status code
func (rec *ResponseRecorder) Status() int {
	return rec.status
}

// Written reports whether the response status line has gone out.
func (rec *ResponseRecorder) Written() bool {
	return rec.wroteHeader
}

// BytesWritten returns the number of bytes written
func (rec *ResponseRecorder) BytesWritten() int64 {
	return rec.bytes
}
