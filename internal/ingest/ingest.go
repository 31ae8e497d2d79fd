// Package ingest implements the configuration ingest handlers: decoding
// a pushed JSON array, resolving TLS material, installing it into the
// configuration registry, and triggering a restart. Each handler
// short-circuits on an unchanged checksum before parsing, and parses
// before installing or restarting.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"

	"github.com/ridgeline/gwcore/internal/gwconfig"
	"github.com/ridgeline/gwcore/internal/tlsmaterial"
)

// Restarter is the subset of *restart.Coordinator ingest needs.
type Restarter interface {
	Restart(ctx context.Context)
}

// Handlers bundles the registry, TLS resolver, and restart trigger every
// ingest operation needs.
type Handlers struct {
	registry *gwconfig.Registry
	resolver *tlsmaterial.Resolver
	restart  Restarter
	logger   hclog.Logger
}

// New returns a Handlers wired to the given collaborators.
func New(registry *gwconfig.Registry, resolver *tlsmaterial.Resolver, restarter Restarter, logger hclog.Logger) *Handlers {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Handlers{registry: registry, resolver: resolver, restart: restarter, logger: logger.Named("ingest")}
}

// Result is returned by every ingest operation for the Control Protocol
// Server to turn into a wire response.
type Result struct {
	Status int
	Body   string
}

func ok(msg string) Result      { return Result{Status: 200, Body: msg} }
func badRequest(msg string) Result { return Result{Status: 400, Body: msg} }

// decodeStrict unmarshals body into a slice of generic maps, then decodes
// each into dst via mapstructure with ErrorUnused so an unrecognized
// field name is rejected rather than silently dropped.
func decodeStrict(body []byte, dst any) error {
	var raw []map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("invalid JSON array: %w", err)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      dst,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

// ProxyNodes handles a push to the /proxy/node route.
func (h *Handlers) ProxyNodes(ctx context.Context, body []byte) Result {
	checksum := gwconfig.ChecksumBytes(body)
	if checksum == h.registry.GetProxyID() {
		return ok("unchanged")
	}

	var nodes []gwconfig.ProxyNode
	if err := decodeStrict(body, &nodes); err != nil {
		return badRequest(err.Error())
	}

	if err := gwconfig.CheckDuplicateListen(nodes, h.registry.Snapshot().GatewayNodes); err != nil {
		return badRequest(err.Error())
	}

	resolved := make([]gwconfig.ProxyNode, 0, len(nodes))
	for _, n := range nodes {
		if !n.TLS {
			resolved = append(resolved, n)
			continue
		}
		pemPath, keyPath, err := h.resolver.Resolve(tlsmaterial.KindProxy, n.AddrListen, n.TLSPem, n.TLSKey)
		if err != nil {
			h.logger.Error("dropping proxy node: tls material invalid", "addr_listen", n.AddrListen, "error", err)
			continue
		}
		resolved = append(resolved, n.WithResolvedTLS(pemPath, keyPath))
	}

	if h.registry.SetProxyNodes(checksum, resolved) {
		h.restart.Restart(ctx)
	}
	return ok("proxy node data updated successfully")
}

// GatewayNodes handles a push to the /gateway/node route.
func (h *Handlers) GatewayNodes(ctx context.Context, body []byte) Result {
	checksum := gwconfig.ChecksumBytes(body)
	if checksum == h.registry.GetGatewayNodeID() {
		return ok("unchanged")
	}

	var nodes []gwconfig.GatewayNode
	if err := decodeStrict(body, &nodes); err != nil {
		return badRequest(err.Error())
	}

	if err := gwconfig.CheckDuplicateListen(h.registry.Snapshot().ProxyNodes, nodes); err != nil {
		return badRequest(err.Error())
	}

	resolved := make([]gwconfig.GatewayNode, 0, len(nodes))
	for _, n := range nodes {
		tlsSlots := make([]gwconfig.GatewayTLS, 0, len(n.TLS))
		for _, slot := range n.TLS {
			if !slot.TLS {
				tlsSlots = append(tlsSlots, slot)
				continue
			}
			identity := n.AddrListen + "/" + slot.SNI
			pemPath, keyPath, err := h.resolver.Resolve(tlsmaterial.KindGateway, identity, slot.TLSPem, slot.TLSKey)
			if err != nil {
				h.logger.Error("dropping gateway tls slot: material invalid", "addr_listen", n.AddrListen, "sni", slot.SNI, "error", err)
				continue
			}
			tlsSlots = append(tlsSlots, slot.WithResolvedTLS(pemPath, keyPath))
		}
		n.TLS = tlsSlots
		resolved = append(resolved, n)
	}

	if h.registry.SetGatewayNodes(checksum, resolved) {
		h.restart.Restart(ctx)
	}
	return ok("gateway node data updated successfully")
}

// GatewayPaths handles a push to the /gateway/path route, including the
// asymmetric restart rule: a restart is triggered only when the new
// vector introduces addr_bind values absent from the previously
// installed vector; otherwise listeners pick up the new paths on their
// next live route lookup.
func (h *Handlers) GatewayPaths(ctx context.Context, body []byte) Result {
	checksum := gwconfig.ChecksumBytes(body)
	if checksum == h.registry.GetGatewayPathID() {
		return ok("unchanged")
	}

	var paths []gwconfig.GatewayPath
	if err := decodeStrict(body, &paths); err != nil {
		return badRequest(err.Error())
	}

	snap := h.registry.Snapshot()

	knownBinds := make(map[string]bool, len(snap.GatewayNodes))
	for _, n := range snap.GatewayNodes {
		knownBinds[n.AddrListen] = true
	}
	kept := make([]gwconfig.GatewayPath, 0, len(paths))
	for _, p := range paths {
		if !knownBinds[p.AddrBind] {
			h.logger.Warn("dropping gateway path: no gateway node binds this address", "addr_bind", p.AddrBind, "path_listen", p.PathListen)
			continue
		}
		kept = append(kept, p)
	}

	existingBinds := make(map[string]bool, len(snap.GatewayPaths))
	for _, p := range snap.GatewayPaths {
		existingBinds[p.AddrBind] = true
	}
	introducesNewBind := false
	for _, p := range kept {
		if !existingBinds[p.AddrBind] {
			introducesNewBind = true
			break
		}
	}

	if h.registry.SetGatewayPaths(checksum, kept) && introducesNewBind {
		h.restart.Restart(ctx)
	}
	return ok("gateway path data updated successfully")
}
