// Command gwcore runs the edge router core: the Configuration Registry,
// Listener Supervisor, Restart Coordinator, and Control Protocol Server
// wired together as one process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ridgeline/gwcore/internal/control"
	"github.com/ridgeline/gwcore/internal/gwconfig"
	"github.com/ridgeline/gwcore/internal/ingest"
	"github.com/ridgeline/gwcore/internal/peer"
	"github.com/ridgeline/gwcore/internal/restart"
	"github.com/ridgeline/gwcore/internal/supervisor"
	"github.com/ridgeline/gwcore/internal/tlsmaterial"
)

const (
	defaultControlAddr  = "127.0.0.1:30099"
	defaultNotFoundAddr = "127.0.0.1:60404"
	defaultMaterialDir  = "gwcore-tls-material"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "gwcore",
		Level:      hclog.LevelFromString(envOr("GWCORE_LOG_LEVEL", "info")),
		Color:      hclog.AutoColor,
		JSONFormat: os.Getenv("GWCORE_LOG_JSON") != "",
	})

	registry := gwconfig.NewRegistry()

	resolver, err := tlsmaterial.New(envOr("GWCORE_TLS_MATERIAL_DIR", defaultMaterialDir), logger)
	if err != nil {
		logger.Error("failed to initialize tls material resolver", "error", err)
		return 1
	}

	sup := supervisor.New(supervisor.Config{
		Defaults: peer.Defaults{NotFoundAddr: envOr("GWCORE_NOTFOUND_ADDR", defaultNotFoundAddr)},
	}, registry, logger)

	coordinator := restart.New(sup, registry, logger)

	handlers := ingest.New(registry, resolver, coordinator, logger)

	idsProvider := registryIDs{registry: registry}
	router := control.NewRouter(control.Routes{
		ProxyNodes: func(ctx context.Context, body []byte) (int, string) {
			r := handlers.ProxyNodes(ctx, body)
			return r.Status, r.Body
		},
		GatewayNodes: func(ctx context.Context, body []byte) (int, string) {
			r := handlers.GatewayNodes(ctx, body)
			return r.Status, r.Body
		},
		GatewayPaths: func(ctx context.Context, body []byte) (int, string) {
			r := handlers.GatewayPaths(ctx, body)
			return r.Status, r.Body
		},
	}, idsProvider)

	controlServer := control.New(router, logger)
	if err := controlServer.Start(envOr("GWCORE_CONTROL_ADDR", defaultControlAddr)); err != nil {
		logger.Error("failed to bind control protocol", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := controlServer.Stop(ctx); err != nil {
		logger.Warn("control protocol shutdown did not complete cleanly", "error", err)
	}
	if err := sup.Stop(ctx); err != nil {
		logger.Warn("listener supervisor shutdown did not complete cleanly", "error", err)
	}

	return 0
}

type registryIDs struct {
	registry *gwconfig.Registry
}

func (r registryIDs) IDs() control.IDs {
	return control.IDs{
		ProxyID:       r.registry.GetProxyID(),
		GatewayNodeID: r.registry.GetGatewayNodeID(),
		GatewayPathID: r.registry.GetGatewayPathID(),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
