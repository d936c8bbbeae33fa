// Package websocket relays upgraded connections between a client and an
// upstream after the upstream has answered the handshake with 101.
package websocket

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/wudi/isogate/internal/logging"
	"github.com/wudi/isogate/internal/metrics"
	"go.uber.org/zap"
)

// Config controls the relay.
type Config struct {
	// CloseGrace is how long the second direction may keep draining after
	// the first one finished.
	CloseGrace time.Duration
	Metrics    *metrics.Collector
}

// Tunnel relays frames byte-for-byte; it never parses WebSocket frames.
type Tunnel struct {
	closeGrace time.Duration
	metrics    *metrics.Collector
}

// NewTunnel creates a new WebSocket tunnel
func NewTunnel(cfg Config) *Tunnel {
	grace := cfg.CloseGrace
	if grace <= 0 {
		grace = time.Second
	}
	return &Tunnel{closeGrace: grace, metrics: cfg.Metrics}
}

// IsUpgradeRequest checks if the request is a WebSocket upgrade request
func IsUpgradeRequest(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// Relay hijacks the client connection, writes the upstream's 101 response
// using the headers already staged on w, then copies bytes in both
// directions until either side closes. resp.Body must be the
// io.ReadWriteCloser net/http returns for a 101 response.
func (t *Tunnel) Relay(w http.ResponseWriter, resp *http.Response) error {
	upstream, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		resp.Body.Close()
		return fmt.Errorf("websocket: upstream body of type %T is not writable", resp.Body)
	}
	defer upstream.Close()

	clientConn, clientBuf, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return fmt.Errorf("websocket: hijack: %w", err)
	}
	defer clientConn.Close()

	if err := writeSwitchingProtocols(clientBuf.Writer, w.Header()); err != nil {
		return fmt.Errorf("websocket: write handshake: %w", err)
	}

	t.metrics.TunnelOpened()
	defer t.metrics.TunnelClosed()

	errCh := make(chan error, 2)
	go func() {
		// Bytes the client sent after the handshake may already be buffered
		_, err := io.Copy(upstream, clientBuf.Reader)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(clientConn, upstream)
		errCh <- err
	}()

	err = <-errCh
	if cw, ok := upstream.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	// Unblock the other direction if the peer never finishes on its own.
	grace := time.AfterFunc(t.closeGrace, func() {
		clientConn.Close()
		upstream.Close()
	})
	<-errCh
	grace.Stop()

	if err != nil && !isClosedConn(err) {
		logging.Debug("websocket tunnel closed with error", zap.Error(err))
	}
	return nil
}

func writeSwitchingProtocols(bw *bufio.Writer, h http.Header) error {
	if _, err := bw.WriteString("HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return err
	}
	if err := h.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

func isClosedConn(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
