package control

import (
	"context"
	"encoding/json"
)

// IngestFunc processes one decoded ingest body and returns a status code
// and response message.
type IngestFunc func(ctx context.Context, body []byte) (status int, message string)

// Routes bundles the three GWRX ingest routes the Control Protocol Server
// dispatches to.
type Routes struct {
	ProxyNodes   IngestFunc
	GatewayNodes IngestFunc
	GatewayPaths IngestFunc
}

// IDs is the current checksum triple, used to answer GET /healthz.
type IDs struct {
	ProxyID       string `json:"proxy_id"`
	GatewayNodeID string `json:"gateway_node_id"`
	GatewayPathID string `json:"gateway_path_id"`
}

// IDsProvider supplies the current checksum triple.
type IDsProvider interface {
	IDs() IDs
}

// NewRouter builds a Handler dispatching (method, path) across the three
// GWRX ingest routes, plus a GET /healthz diagnostic route that reports
// the currently installed checksums.
func NewRouter(routes Routes, ids IDsProvider) Handler {
	return func(method, path string, body []byte) (int, []byte) {
		ctx := context.Background()

		if method == "GET" && path == "/healthz" {
			out, _ := json.Marshal(ids.IDs())
			return 200, out
		}

		if method != "GWRX" {
			return 404, []byte("not found")
		}

		var (
			status int
			msg    string
		)
		switch path {
		case "/proxy/node":
			status, msg = routes.ProxyNodes(ctx, body)
		case "/gateway/node":
			status, msg = routes.GatewayNodes(ctx, body)
		case "/gateway/path":
			status, msg = routes.GatewayPaths(ctx, body)
		default:
			return 404, []byte("not found")
		}
		return status, []byte(msg)
	}
}
