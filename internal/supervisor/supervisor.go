// Package supervisor owns the set of live TCP/TLS listeners built from a
// configuration snapshot: binding, accepting, per-connection peer
// selection, and handoff to the byte forwarder.
package supervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-connlimit"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/ridgeline/gwcore/internal/forward"
	"github.com/ridgeline/gwcore/internal/gwconfig"
	"github.com/ridgeline/gwcore/internal/httphead"
	"github.com/ridgeline/gwcore/internal/peer"
)

const previewSize = 1024

// Config carries the timeouts and fallback targets a Supervisor needs;
// everything routing-related comes from the snapshot it is started with.
type Config struct {
	HandshakeTimeout    time.Duration // TLS handshake + preview read
	DialTimeout         time.Duration // upstream dial (recommended 3s)
	MaxConnsPerClientIP int           // 0 disables the cap
	Defaults            peer.Defaults
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	return c
}

// Registry is the subset of *gwconfig.Registry the Supervisor needs. A
// gateway listener's accept loop calls Snapshot() per connection rather
// than closing over the snapshot it was started with, so a gateway-path
// push that doesn't introduce a new addr_bind (and so never triggers a
// restart) still becomes visible to already-running listeners on their
// very next accepted connection.
type Registry interface {
	Snapshot() gwconfig.Snapshot
}

// Supervisor holds every currently bound listener and the accept-loop
// goroutines that serve them.
type Supervisor struct {
	cfg      Config
	registry Registry
	logger   hclog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New constructs an idle Supervisor. Call Start to bind listeners from a
// snapshot. registry is consulted live for every gateway connection's
// path routing; it is never consulted for proxy connections, which
// forward unconditionally to the addr_target bound at Start time.
func New(cfg Config, registry Registry, logger hclog.Logger) *Supervisor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Supervisor{cfg: cfg.withDefaults(), registry: registry, logger: logger.Named("supervisor")}
}

// Start binds every proxy and gateway node in snap and spawns one accept
// loop per bound listener. A bind failure for one address skips that
// node; siblings still start. Start does not log bind failures itself;
// their aggregate is returned as a *multierror.Error (nil if every
// listener bound) for the caller to log.
func (s *Supervisor) Start(snap gwconfig.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *multierror.Error
	limiter := newLimiter(s.cfg.MaxConnsPerClientIP)

	for _, n := range snap.ProxyNodes {
		ln, err := s.bind(n.AddrListen, n)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("proxy node %s: %w", n.AddrListen, err))
			continue
		}
		s.listeners = append(s.listeners, ln)
		s.wg.Add(1)
		target := n.AddrTarget
		listenAddr := n.AddrListen
		go s.acceptLoop(ln, listenAddr, limiter, func(conn net.Conn) {
			s.handleProxyConn(conn, listenAddr, target)
		})
	}

	for _, n := range snap.GatewayNodes {
		ln, err := s.bindGateway(n)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("gateway node %s: %w", n.AddrListen, err))
			continue
		}
		s.listeners = append(s.listeners, ln)
		s.wg.Add(1)
		listenAddr := n.AddrListen
		go s.acceptLoop(ln, listenAddr, limiter, func(conn net.Conn) {
			s.handleGatewayConn(conn, listenAddr)
		})
	}

	return result.ErrorOrNil()
}

func (s *Supervisor) bind(addr string, n gwconfig.ProxyNode) (net.Listener, error) {
	if !n.TLS {
		return net.Listen("tcp", addr)
	}
	pemPath, keyPath, ok := n.ResolvedTLS()
	if !ok {
		return nil, fmt.Errorf("tls enabled but material not resolved")
	}
	cert, err := tls.LoadX509KeyPair(pemPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load resolved keypair: %w", err)
	}
	return tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
}

func (s *Supervisor) bindGateway(n gwconfig.GatewayNode) (net.Listener, error) {
	if len(n.TLS) == 0 {
		return net.Listen("tcp", n.AddrListen)
	}
	var certs []tls.Certificate
	for _, slot := range n.TLS {
		if !slot.TLS {
			continue
		}
		pemPath, keyPath, ok := slot.ResolvedTLS()
		if !ok {
			return nil, fmt.Errorf("tls slot %q: material not resolved", slot.SNI)
		}
		cert, err := tls.LoadX509KeyPair(pemPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("tls slot %q: load resolved keypair: %w", slot.SNI, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return net.Listen("tcp", n.AddrListen)
	}
	return tls.Listen("tcp", n.AddrListen, &tls.Config{Certificates: certs})
}

// Stop closes every bound listener and waits for every accept loop to
// exit. In-flight forwarders are not cancelled; they drain on their own
// so a bad push cannot strand forwarders that never get a chance to drain.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) acceptLoop(ln net.Listener, listenAddr string, limiter *connlimit.Limiter, handle func(net.Conn)) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.logger.Debug("accept loop exiting", "listen", listenAddr, "error", err)
			return
		}

		free, err := limiter.Accept(conn.RemoteAddr())
		if err != nil {
			s.logger.Warn("connection limit exceeded", "listen", listenAddr, "remote", conn.RemoteAddr(), "error", err)
			conn.Close()
			continue
		}

		go func() {
			defer free()
			handle(conn)
		}()
	}
}

// handleProxyConn serves a ProxyNode connection: the forwarding target is
// fixed at bind time and unconditional, so no bytes are ever peeked off
// the connection before DialProxy takes it over.
func (s *Supervisor) handleProxyConn(conn net.Conn, listenAddr, target string) {
	conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			s.logger.Debug("tls handshake failed", "listen", listenAddr, "error", err)
			conn.Close()
			return
		}
	}
	conn.SetDeadline(time.Time{})

	dp := forward.NewDialProxy(target, s.cfg.DialTimeout, s.logger)
	dp.HandleConn(conn)
}

// handleGatewayConn serves a GatewayNode connection: it peeks the request
// preview to extract the host and request-line path, looks up the match
// against the registry's current snapshot (not the one bound at Start
// time), and forwards through Forwarder so the peeked bytes are replayed
// to the upstream it dials.
func (s *Supervisor) handleGatewayConn(conn net.Conn, listenAddr string) {
	conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			s.logger.Debug("tls handshake failed", "listen", listenAddr, "error", err)
			conn.Close()
			return
		}
	}

	preview := make([]byte, previewSize)
	n, err := conn.Read(preview)
	if err != nil && n == 0 {
		s.logger.Debug("preview read failed", "listen", listenAddr, "error", err)
		conn.Close()
		return
	}
	preview = preview[:n]
	conn.SetDeadline(time.Time{})

	snap := s.registry.Snapshot()
	decision, err := peer.Select(listenAddr, preview, snap, s.cfg.Defaults)
	if err != nil {
		s.logger.Debug("peer selection failed", "listen", listenAddr, "error", err)
		conn.Close()
		return
	}

	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	upstream, err := dialer.Dial("tcp", decision.UpstreamAddr)
	if err != nil {
		s.logger.Debug("dial upstream failed", "listen", listenAddr, "target", decision.UpstreamAddr, "error", err)
		conn.Close()
		return
	}

	if decision.RewritePath != "" {
		preview = httphead.RewritePath(preview, decision.OldPath, decision.RewritePath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := (forward.Forwarder{}).Run(ctx, conn, upstream, preview); err != nil {
		s.logger.Debug("forwarder terminated", "listen", listenAddr, "error", err)
	}
}

func newLimiter(maxPerIP int) *connlimit.Limiter {
	return connlimit.NewLimiter(connlimit.Config{MaxConnsPerClientIP: maxPerIP})
}
