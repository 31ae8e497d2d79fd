package gwconfig

import (
	"errors"
	"fmt"
	"net"

	sockaddr "github.com/hashicorp/go-sockaddr"
)

// ErrDuplicateListen is returned when a proposed configuration binds the
// same addr_listen more than once across proxy and gateway nodes; such a
// configuration is rejected as a whole.
var ErrDuplicateListen = errors.New("gwconfig: addr_listen appears more than once")

// ValidateHostPort checks that addr parses as a "host:port" pair whose
// port is well-formed. It delegates the heavy lifting (IPv6 literals,
// zone ids, missing host meaning "all interfaces") to go-sockaddr.
func ValidateHostPort(addr string) error {
	if addr == "" {
		return fmt.Errorf("gwconfig: empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("gwconfig: %q is not host:port: %w", addr, err)
	}
	if port == "" {
		return fmt.Errorf("gwconfig: %q is missing a port", addr)
	}
	if _, derr := net.LookupPort("tcp", port); derr != nil {
		return fmt.Errorf("gwconfig: %q has an invalid port: %w", addr, derr)
	}
	if host != "" {
		if _, err := sockaddr.NewIPAddr(host); err != nil {
			// Not a literal IP; accept it as a hostname resolved at dial
			// time rather than parse time.
			return nil
		}
	}
	return nil
}

// CheckDuplicateListen reports ErrDuplicateListen if any addr_listen is
// shared between proxy nodes, gateway nodes, or within either vector.
func CheckDuplicateListen(proxyNodes []ProxyNode, gatewayNodes []GatewayNode) error {
	seen := make(map[string]struct{}, len(proxyNodes)+len(gatewayNodes))
	for _, n := range proxyNodes {
		if _, dup := seen[n.AddrListen]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateListen, n.AddrListen)
		}
		seen[n.AddrListen] = struct{}{}
	}
	for _, n := range gatewayNodes {
		if _, dup := seen[n.AddrListen]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateListen, n.AddrListen)
		}
		seen[n.AddrListen] = struct{}{}
	}
	return nil
}
