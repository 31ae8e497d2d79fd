// Package peer implements the Peer Selector: for a listener and the first
// bytes a client sent, it picks an upstream address and an optional
// rewritten request path.
package peer

import (
	"sort"
	"strings"

	"github.com/ridgeline/gwcore/internal/gwconfig"
	"github.com/ridgeline/gwcore/internal/httphead"
)

// Kind identifies which listener type produced a Decision, so the
// Listener Supervisor knows which forwarding path to use: plain
// tcpproxy.DialProxy for ProxyNode, rewrite-then-Forwarder for GatewayNode.
type Kind int

const (
	KindProxy Kind = iota
	KindGateway
)

// Decision is the outcome of peer selection.
type Decision struct {
	Kind          Kind
	UpstreamAddr  string
	RewritePath   string // empty means "no rewrite"
	OldPath       string // the path matched against, for RewritePath's oldPath arg
	DefaultRoute  bool   // true when no rule matched and UpstreamAddr is a fallback
}

// Defaults carries the fall-through target addresses.
// These are external collaborators (commodity default-page servers); the
// Peer Selector only needs their addresses.
type Defaults struct {
	NotFoundAddr string
}

// Select chooses an upstream target and optional path rewrite for a
// connection. listenAddr is the addr_listen of the
// listener the connection was accepted on; preview is the first bytes
// read from the client (used only for GatewayNode listeners, to extract
// the Host header and request-line path).
func Select(listenAddr string, preview []byte, snap gwconfig.Snapshot, def Defaults) (Decision, error) {
	for _, n := range snap.ProxyNodes {
		if n.AddrListen == listenAddr {
			return Decision{Kind: KindProxy, UpstreamAddr: n.AddrTarget}, nil
		}
	}

	for _, n := range snap.GatewayNodes {
		if n.AddrListen == listenAddr {
			return selectGateway(listenAddr, preview, snap, def)
		}
	}

	// Listener bound but not found in either vector: cannot happen in
	// practice (the Listener Supervisor only accepts on addresses that
	// came from the snapshot it started from), but degrade to the default
	// route rather than panic.
	return Decision{Kind: KindProxy, UpstreamAddr: def.NotFoundAddr, DefaultRoute: true}, nil
}

func selectGateway(listenAddr string, preview []byte, snap gwconfig.Snapshot, def Defaults) (Decision, error) {
	_, method, path, ok := hostAndRequestLine(preview)
	if !ok {
		return Decision{Kind: KindGateway, UpstreamAddr: def.NotFoundAddr, DefaultRoute: true}, nil
	}
	_ = method

	candidates := make([]gwconfig.GatewayPath, 0)
	for _, p := range snap.GatewayPaths {
		if p.AddrBind == listenAddr {
			candidates = append(candidates, p)
		}
	}

	// Ascending priority, stable by snapshot order within ties: reordering
	// equal-priority rules must not change matches for paths matched by a
	// unique rule. sort.SliceStable preserves relative order of equal
	// elements, which is exactly "the order they appear in the snapshot
	// vector" for ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})

	for _, c := range candidates {
		if rewritten, matched := matchPath(path, c.PathListen, c.PathTarget); matched {
			return Decision{
				Kind:         KindGateway,
				UpstreamAddr: c.AddrTarget,
				RewritePath:  rewritten,
				OldPath:      path,
			}, nil
		}
	}

	return Decision{Kind: KindGateway, UpstreamAddr: def.NotFoundAddr, DefaultRoute: true}, nil
}

// hostAndRequestLine is a small convenience wrapper bundling the two
// httphead extractions the gateway path needs.
func hostAndRequestLine(preview []byte) (host, method, path string, ok bool) {
	method, path, ok = httphead.RequestLine(preview)
	if !ok {
		return "", "", "", false
	}
	host, _ = httphead.ExtractHost(preview)
	return host, method, path, true
}

// matchPath reports whether path matches pathListen: a pathListen of
// "prefix/*" matches
// when path starts with "prefix/" or equals "prefix"; anything else
// requires an exact match. On match, rewritten is the new path built by
// removing the matched prefix and prepending pathTarget, collapsing to
// "/" when the match was exact and pathTarget is "/".
func matchPath(path, pathListen, pathTarget string) (rewritten string, matched bool) {
	prefix, isGlob := strings.CutSuffix(pathListen, "/*")
	if !isGlob {
		if path != pathListen {
			return "", false
		}
		if pathTarget == "/" {
			return "/", true
		}
		return pathTarget, true
	}

	if path == prefix {
		if pathTarget == "/" {
			return "/", true
		}
		return pathTarget, true
	}
	if !strings.HasPrefix(path, prefix+"/") {
		return "", false
	}

	remainder := strings.TrimPrefix(path, prefix)
	if pathTarget == "/" {
		if remainder == "" {
			return "/", true
		}
		return remainder, true
	}
	return strings.TrimSuffix(pathTarget, "/") + remainder, true
}
