// Package proxy forwards requests matched by the route table to their
// upstream origin and relays the response, rewriting the isolation headers
// on the way back.
package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wudi/isogate/internal/circuitbreaker"
	"github.com/wudi/isogate/internal/config"
	"github.com/wudi/isogate/internal/errors"
	"github.com/wudi/isogate/internal/logging"
	"github.com/wudi/isogate/internal/metrics"
	"github.com/wudi/isogate/internal/middleware/isolation"
	"github.com/wudi/isogate/internal/router"
	"github.com/wudi/isogate/internal/websocket"
	"github.com/wudi/isogate/variables"
)

const tracerName = "github.com/wudi/isogate/internal/proxy"

var (
	errUpstreamTimeout       = fmt.Errorf("no upstream response in time: %w", context.DeadlineExceeded)
	errWebSocketNotForwarded = stderrors.New("websocket upgrade is not forwarded for this path")
	errUnexpectedUpgrade     = stderrors.New("malformed HTTP response: upstream switched protocols without an upgrade request")
)

// Proxy handles proxying requests to upstreams
type Proxy struct {
	transports     *TransportPool
	breakers       *circuitbreaker.BreakerByUpstream
	patch          *isolation.PatchSet
	tunnel         *websocket.Tunnel
	metrics        *metrics.Collector
	tracer         trace.Tracer
	defaultTimeout time.Duration
}

// Config holds proxy configuration
type Config struct {
	Transports *TransportPool
	// Breakers is optional; upstreams without a breaker are never short-circuited.
	Breakers *circuitbreaker.BreakerByUpstream
	Patch    *isolation.PatchSet
	Tunnel   *websocket.Tunnel
	Metrics  *metrics.Collector
	// DefaultTimeout bounds the wait for upstream response headers when the
	// route sets no timeout of its own.
	DefaultTimeout time.Duration
}

// New creates a new proxy
func New(cfg Config) *Proxy {
	pool := cfg.Transports
	if pool == nil {
		pool = NewTransportPool(config.DefaultConfig().Transport)
	}

	patch := cfg.Patch
	if patch == nil {
		patch = isolation.Default()
	}

	tunnel := cfg.Tunnel
	if tunnel == nil {
		tunnel = websocket.NewTunnel(websocket.Config{Metrics: cfg.Metrics})
	}

	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Proxy{
		transports:     pool,
		breakers:       cfg.Breakers,
		patch:          patch,
		tunnel:         tunnel,
		metrics:        cfg.Metrics,
		tracer:         otel.Tracer(tracerName),
		defaultTimeout: timeout,
	}
}

// Transports returns the transport pool.
func (p *Proxy) Transports() *TransportPool {
	return p.transports
}

// Handler returns an http.Handler that forwards every request to the
// route's upstream. The transport is resolved once, here.
func (p *Proxy) Handler(route *router.Route) (http.Handler, error) {
	transport, err := p.transports.Get(route.UpstreamName, route.Secure)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", route.ID, err)
	}

	var rt http.RoundTripper = transport
	if p.breakers != nil {
		if b := p.breakers.Get(route.UpstreamName); b != nil {
			rt = b.Wrap(rt)
		}
	}

	timeout := route.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		varCtx := variables.GetFromRequest(r)
		varCtx.RouteID = route.ID
		varCtx.UpstreamName = route.UpstreamName
		varCtx.UpstreamAddr = route.Upstream.Host

		upgrade := websocket.IsUpgradeRequest(r)
		if upgrade && !route.ForwardWebSocket {
			p.fail(w, r, route, varCtx, errWebSocketNotForwarded)
			return
		}

		// The deadline covers the wait for response headers only; a long
		// image download must not be cut off once it has started.
		ctx, cancel := context.WithCancelCause(r.Context())
		defer cancel(nil)
		timer := time.AfterFunc(timeout, func() { cancel(errUpstreamTimeout) })

		ctx, span := p.tracer.Start(ctx, "proxy "+route.ID,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("isogate.route", route.ID),
				attribute.String("isogate.upstream", route.UpstreamName),
				attribute.String("server.address", route.Upstream.Host),
			),
		)
		outReq := p.outboundRequest(ctx, r, route, upgrade)

		start := time.Now()
		resp, err := rt.RoundTrip(outReq)
		inTime := timer.Stop()
		varCtx.UpstreamResponseTime = time.Since(start)

		if err == nil && !inTime {
			resp.Body.Close()
			err = errUpstreamTimeout
		}
		if err != nil {
			switch {
			case context.Cause(ctx) == errUpstreamTimeout:
				err = errUpstreamTimeout
			case stderrors.Is(r.Context().Err(), context.Canceled):
				err = fmt.Errorf("%w: %v", context.Canceled, err)
			}
		}
		if err == nil && resp.StatusCode == http.StatusSwitchingProtocols && !upgrade {
			resp.Body.Close()
			err = errUnexpectedUpgrade
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, Classify(err))
			span.End()
			p.fail(w, r, route, varCtx, err)
			return
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		span.End()

		varCtx.UpstreamStatus = resp.StatusCode
		p.metrics.RecordUpstream(route.UpstreamName, varCtx.UpstreamResponseTime)

		upgradeProto := resp.Header.Get("Upgrade")
		p.copyHeaders(w.Header(), resp.Header)
		if route.RewriteHeaders {
			p.patch.Rewrite(w.Header())
			p.metrics.RecordHeaderPatch("proxy")
		}

		if resp.StatusCode == http.StatusSwitchingProtocols {
			w.Header().Set("Connection", "Upgrade")
			w.Header().Set("Upgrade", upgradeProto)
			if err := p.tunnel.Relay(w, resp); err != nil {
				logging.Warn("websocket tunnel failed",
					zap.String("request_id", varCtx.RequestID),
					zap.String("route_id", route.ID),
					zap.Error(err),
				)
			}
			return
		}

		announced := announceTrailers(w.Header(), resp.Trailer)
		w.WriteHeader(resp.StatusCode)
		if announced > 0 {
			// Forces chunked encoding so the trailers can follow the body
			http.NewResponseController(w).Flush()
		}
		if p.copyBody(w, r, route, varCtx, resp) {
			copyTrailers(w.Header(), resp.Trailer, announced)
		}
	}), nil
}

// outboundRequest creates the request to send to the upstream. The path
// and raw query are forwarded unchanged; no prefix is stripped.
func (p *Proxy) outboundRequest(ctx context.Context, r *http.Request, route *router.Route, upgrade bool) *http.Request {
	targetURL := *route.Upstream
	targetURL.Path = r.URL.Path
	targetURL.RawPath = r.URL.RawPath
	targetURL.RawQuery = r.URL.RawQuery

	outReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          route.Upstream.Host,
	}).WithContext(ctx)
	if r.ContentLength == 0 {
		outReq.Body = nil
	}

	outReq.Header = r.Header.Clone()
	if outReq.Header == nil {
		outReq.Header = make(http.Header, 3)
	}
	removeHopHeaders(outReq.Header)
	if upgrade {
		outReq.Header.Set("Connection", "Upgrade")
		outReq.Header.Set("Upgrade", r.Header.Get("Upgrade"))
	}

	if !route.ChangeOrigin {
		outReq.Host = r.Host
	}

	if clientIP := variables.RemoteIP(r); clientIP != "" {
		if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			outReq.Header.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+clientIP)
		} else {
			outReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		outReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		outReq.Header.Set("X-Forwarded-Proto", "http")
	}
	outReq.Header.Set("X-Forwarded-Host", r.Host)

	// Keep net/http from adding its own User-Agent
	if _, ok := outReq.Header["User-Agent"]; !ok {
		outReq.Header.Set("User-Agent", "")
	}

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(outReq.Header))
	return outReq
}

// fail answers a request whose upstream exchange did not produce a
// response. A client that went away gets nothing written.
func (p *Proxy) fail(w http.ResponseWriter, r *http.Request, route *router.Route, varCtx *variables.Context, err error) {
	kind := Classify(err)
	varCtx.ErrorKind = kind

	fields := []zap.Field{
		zap.String("request_id", varCtx.RequestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("kind", kind),
		zap.Error(err),
	}
	if route != nil {
		fields = append(fields,
			zap.String("route_id", route.ID),
			zap.String("upstream", route.UpstreamName),
		)
	}

	switch kind {
	case errors.KindClientCanceled:
		logging.Debug("client canceled request", fields...)
		return
	case errors.KindWebSocketNotForwarded:
		logging.Warn("websocket upgrade rejected", fields...)
	case errors.KindUpstreamTimeout, errors.KindCircuitOpen:
		logging.Warn("upstream request failed", fields...)
	default:
		logging.Error("upstream request failed", fields...)
	}

	if route != nil && kind != errors.KindWebSocketNotForwarded {
		p.metrics.RecordUpstreamError(route.UpstreamName, kind)
	}

	gwErr := ClassifyError(err)
	if varCtx.RequestID != "" {
		gwErr = gwErr.WithRequestID(varCtx.RequestID)
	}
	p.patch.Rewrite(w.Header())
	p.metrics.RecordHeaderPatch("error")
	gwErr.WriteJSON(w)
}

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// copyBody streams the upstream body to the client. A body that breaks off
// mid-stream aborts the client connection instead of ending the response
// cleanly, so the client can tell the transfer was incomplete.
// It reports whether the whole body was relayed.
func (p *Proxy) copyBody(w http.ResponseWriter, r *http.Request, route *router.Route, varCtx *variables.Context, resp *http.Response) bool {
	flush := resp.ContentLength == -1 ||
		strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
	rc := http.NewResponseController(w)

	bufp := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufp)
	buf := *bufp

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				varCtx.ErrorKind = errors.KindClientCanceled
				logging.Debug("client write failed",
					zap.String("request_id", varCtx.RequestID),
					zap.String("route_id", route.ID),
					zap.Error(err),
				)
				return false
			}
			if flush {
				rc.Flush()
			}
		}
		if readErr == io.EOF {
			return true
		}
		if readErr != nil {
			if r.Context().Err() != nil {
				varCtx.ErrorKind = errors.KindClientCanceled
				logging.Debug("client canceled during body relay",
					zap.String("request_id", varCtx.RequestID),
					zap.String("route_id", route.ID),
				)
				return false
			}
			varCtx.ErrorKind = errors.KindUpstreamAborted
			p.metrics.RecordUpstreamError(route.UpstreamName, errors.KindUpstreamAborted)
			logging.Error("upstream response body truncated",
				zap.String("request_id", varCtx.RequestID),
				zap.String("route_id", route.ID),
				zap.String("upstream", route.UpstreamName),
				zap.Error(readErr),
			)
			panic(http.ErrAbortHandler)
		}
	}
}

// copyHeaders copies headers from source to destination, replacing any
// value already staged on dst.
func (p *Proxy) copyHeaders(dst, src http.Header) {
	removeHopHeaders(src)
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
}

// announceTrailers declares the upstream's trailer names on the client
// response and returns how many were declared.
func announceTrailers(dst, trailer http.Header) int {
	if len(trailer) == 0 {
		return 0
	}
	names := make([]string, 0, len(trailer))
	for k := range trailer {
		names = append(names, k)
	}
	sort.Strings(names)
	dst.Add("Trailer", strings.Join(names, ", "))
	return len(names)
}

// copyTrailers forwards trailer values once the body is done. Trailers the
// upstream did not declare up front go out with http.TrailerPrefix.
func copyTrailers(dst, trailer http.Header, announced int) {
	if len(trailer) == announced {
		for k, vv := range trailer {
			dst[k] = append(dst[k][:0:0], vv...)
		}
		return
	}
	for k, vv := range trailer {
		dst[http.TrailerPrefix+k] = append([]string(nil), vv...)
	}
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders drops the fixed hop-by-hop set plus any header named
// in Connection.
func removeHopHeaders(header http.Header) {
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// Classify maps an upstream exchange error to an error kind.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case stderrors.Is(err, errWebSocketNotForwarded):
		return errors.KindWebSocketNotForwarded
	case stderrors.Is(err, circuitbreaker.ErrOpen):
		return errors.KindCircuitOpen
	case stderrors.Is(err, context.Canceled):
		return errors.KindClientCanceled
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.KindUpstreamTimeout
	case isMalformed(err):
		return errors.KindMalformedUpstreamResponse
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.KindUpstreamTimeout
	}
	return errors.KindUpstreamUnreachable
}

func isMalformed(err error) bool {
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return strings.Contains(err.Error(), "malformed HTTP")
}

// ClassifyError maps an upstream exchange error to the error written to
// the client. It returns nil when the client itself went away.
func ClassifyError(err error) *errors.GatewayError {
	switch Classify(err) {
	case "", errors.KindClientCanceled:
		return nil
	case errors.KindWebSocketNotForwarded:
		return errors.ErrBadRequest.WithDetails(err.Error()).WithCause(err)
	case errors.KindCircuitOpen:
		return errors.ErrServiceUnavailable.WithDetails("upstream circuit breaker is open").WithCause(err)
	case errors.KindUpstreamTimeout:
		return errors.ErrGatewayTimeout.WithDetails("upstream did not respond in time").WithCause(err)
	case errors.KindMalformedUpstreamResponse:
		return errors.ErrBadGateway.WithDetails("malformed upstream response").WithCause(err)
	default:
		return errors.ErrBadGateway.WithDetails("upstream unreachable").WithCause(err)
	}
}
