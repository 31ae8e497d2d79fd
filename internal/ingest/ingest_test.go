package ingest

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline/gwcore/internal/gwconfig"
	"github.com/ridgeline/gwcore/internal/tlsmaterial"
)

type countingRestarter struct {
	count int32
}

func (c *countingRestarter) Restart(ctx context.Context) {
	atomic.AddInt32(&c.count, 1)
}

func newHandlers(t *testing.T) (*Handlers, *gwconfig.Registry, *countingRestarter) {
	t.Helper()
	registry := gwconfig.NewRegistry()
	resolver, err := tlsmaterial.New(t.TempDir(), nil)
	require.NoError(t, err)
	restarter := &countingRestarter{}
	return New(registry, resolver, restarter, nil), registry, restarter
}

func TestProxyNodes_InstallsAndRestarts(t *testing.T) {
	h, registry, restarter := newHandlers(t)

	body := []byte(`[{"addr_listen":"127.0.0.1:19001","addr_target":"127.0.0.1:19901","tls":false,"priority":0}]`)
	result := h.ProxyNodes(context.Background(), body)

	assert.Equal(t, 200, result.Status)
	assert.Equal(t, gwconfig.ChecksumBytes(body), registry.GetProxyID())
	assert.EqualValues(t, 1, restarter.count)
}

func TestProxyNodes_IdempotentPushSkipsRestart(t *testing.T) {
	h, _, restarter := newHandlers(t)

	body := []byte(`[{"addr_listen":"127.0.0.1:19001","addr_target":"127.0.0.1:19901","tls":false,"priority":0}]`)
	h.ProxyNodes(context.Background(), body)
	result := h.ProxyNodes(context.Background(), body)

	assert.Equal(t, 200, result.Status)
	assert.EqualValues(t, 1, restarter.count)
}

func TestProxyNodes_UnknownFieldIsRejected(t *testing.T) {
	h, registry, restarter := newHandlers(t)

	body := []byte(`[{"addr_listen":"127.0.0.1:19001","addr_target":"127.0.0.1:19901","bogus_field":true,"priority":0}]`)
	result := h.ProxyNodes(context.Background(), body)

	assert.Equal(t, 400, result.Status)
	assert.Equal(t, "-", registry.GetProxyID())
	assert.EqualValues(t, 0, restarter.count)
}

func TestProxyNodes_DuplicateListenAcrossCategoriesRejected(t *testing.T) {
	h, registry, _ := newHandlers(t)

	gwBody := []byte(`[{"addr_listen":"127.0.0.1:19002","priority":0}]`)
	gwResult := h.GatewayNodes(context.Background(), gwBody)
	require.Equal(t, 200, gwResult.Status)
	require.Len(t, registry.Snapshot().GatewayNodes, 1)

	proxyBody := []byte(`[{"addr_listen":"127.0.0.1:19002","addr_target":"127.0.0.1:19901","tls":false,"priority":0}]`)
	result := h.ProxyNodes(context.Background(), proxyBody)

	assert.Equal(t, 400, result.Status)
}

func TestGatewayPaths_DropsPathsWithUnknownBind(t *testing.T) {
	h, registry, restarter := newHandlers(t)

	gwBody := []byte(`[{"addr_listen":"127.0.0.1:19002","priority":0}]`)
	h.GatewayNodes(context.Background(), gwBody)

	pathBody := []byte(`[{"addr_bind":"127.0.0.1:19002","path_listen":"/api/*","path_target":"/","addr_target":"127.0.0.1:19902","priority":10},
		{"addr_bind":"127.0.0.1:19999","path_listen":"/x","path_target":"/x","addr_target":"127.0.0.1:19903","priority":10}]`)
	result := h.GatewayPaths(context.Background(), pathBody)

	require.Equal(t, 200, result.Status)
	paths := registry.Snapshot().GatewayPaths
	require.Len(t, paths, 1)
	assert.Equal(t, "127.0.0.1:19002", paths[0].AddrBind)
	assert.EqualValues(t, 2, restarter.count) // gateway node push, then new addr_bind introduced
}

func TestGatewayPaths_NoNewBindSkipsRestart(t *testing.T) {
	h, _, restarter := newHandlers(t)

	gwBody := []byte(`[{"addr_listen":"127.0.0.1:19002","priority":0}]`)
	h.GatewayNodes(context.Background(), gwBody)

	first := []byte(`[{"addr_bind":"127.0.0.1:19002","path_listen":"/api/*","path_target":"/","addr_target":"127.0.0.1:19902","priority":10}]`)
	h.GatewayPaths(context.Background(), first)
	afterFirst := restarter.count

	second := []byte(`[{"addr_bind":"127.0.0.1:19002","path_listen":"/other/*","path_target":"/","addr_target":"127.0.0.1:19903","priority":5}]`)
	result := h.GatewayPaths(context.Background(), second)

	assert.Equal(t, 200, result.Status)
	assert.Equal(t, afterFirst, restarter.count)
}
