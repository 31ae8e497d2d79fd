// Package forward moves bytes between an accepted downstream connection
// and a dialed upstream connection once a target has been chosen. Plain
// ProxyNode connections are handed off to google/tcpproxy's DialProxy;
// GatewayNode connections, which need the already-peeked preview bytes
// written first, go through Forwarder.
package forward

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/tcpproxy"
	"github.com/hashicorp/go-hclog"
)

const bufferSize = 8192

// NewDialProxy builds a tcpproxy.DialProxy for the plain, non-rewriting
// forward path. dialTimeout bounds the upstream dial; if the dial fails,
// the OnDialError hook logs at Debug and closes the downstream connection.
func NewDialProxy(target string, dialTimeout time.Duration, logger hclog.Logger) *tcpproxy.DialProxy {
	return &tcpproxy.DialProxy{
		Addr:        target,
		DialTimeout: dialTimeout,
		OnDialError: func(src net.Conn, err error) {
			logger.Debug("dial upstream failed", "target", target, "error", err)
			src.Close()
		},
	}
}

// Forwarder relays bytes between a downstream and an upstream connection,
// writing an initial preview buffer to upstream before relaying further
// reads from downstream. Each direction hands io.CopyBuffer its own 8 KiB
// buffer; io.CopyBuffer leaves that buffer unused when one side
// implements io.WriterTo or io.ReaderFrom (as *net.TCPConn does).
// Either way forwarding is exactly "prepend preview, then copy bytes"
// with no framing in between: the bytes observed on one side are exactly
// the bytes written to the other, in order.
type Forwarder struct{}

// Run writes preview to upstream, then relays in both directions until
// one side reaches EOF or an error, half-closing (or fully closing, for
// connection types with no CloseWrite) the opposite side's write half so
// the far end observes the close promptly. It returns once both
// directions have stopped.
func (Forwarder) Run(ctx context.Context, downstream, upstream net.Conn, preview []byte) error {
	if len(preview) > 0 {
		if _, err := upstream.Write(preview); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	var firstErr error
	var once sync.Once
	recordErr := func(err error) {
		if err != nil && err != io.EOF {
			once.Do(func() { firstErr = err })
		}
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		buf := make([]byte, bufferSize)
		_, err := io.CopyBuffer(upstream, downstream, buf)
		recordErr(err)
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, bufferSize)
		_, err := io.CopyBuffer(downstream, upstream, buf)
		recordErr(err)
		closeWrite(downstream)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		downstream.Close()
		upstream.Close()
		<-done
	}

	downstream.Close()
	upstream.Close()
	return firstErr
}

// closeWriter is satisfied by *net.TCPConn and *tls.Conn.
type closeWriter interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		cw.CloseWrite()
		return
	}
	c.Close()
}
