package restart

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline/gwcore/internal/gwconfig"
)

type fakeSupervisor struct {
	mu         sync.Mutex
	startCount int
	stopCount  int
	blockStop  chan struct{}
}

func (f *fakeSupervisor) Stop(ctx context.Context) error {
	if f.blockStop != nil {
		<-f.blockStop
	}
	f.mu.Lock()
	f.stopCount++
	f.mu.Unlock()
	return nil
}

func (f *fakeSupervisor) Start(snap gwconfig.Snapshot) error {
	f.mu.Lock()
	f.startCount++
	f.mu.Unlock()
	return nil
}

func (f *fakeSupervisor) counts() (start, stop int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCount, f.stopCount
}

type fakeRegistry struct {
	calls int32
}

func (r *fakeRegistry) Snapshot() gwconfig.Snapshot {
	atomic.AddInt32(&r.calls, 1)
	return gwconfig.Snapshot{ProxyID: "x"}
}

func TestCoordinator_SingleRestartRunsOnce(t *testing.T) {
	sup := &fakeSupervisor{}
	reg := &fakeRegistry{}
	c := New(sup, reg, nil)

	c.Restart(context.Background())

	require.Eventually(t, func() bool {
		return !c.inProgress()
	}, 2*time.Second, 10*time.Millisecond)

	start, stop := sup.counts()
	assert.Equal(t, 1, start)
	assert.Equal(t, 1, stop)
}

func TestCoordinator_ConcurrentRequestsCoalesce(t *testing.T) {
	sup := &fakeSupervisor{blockStop: make(chan struct{})}
	reg := &fakeRegistry{}
	c := New(sup, reg, nil)

	c.Restart(context.Background())
	// These arrive while the first cycle is blocked in Stop, so they
	// must coalesce into at most one extra cycle rather than one each.
	c.Restart(context.Background())
	c.Restart(context.Background())
	c.Restart(context.Background())

	close(sup.blockStop)

	require.Eventually(t, func() bool {
		return !c.inProgress()
	}, 2*time.Second, 10*time.Millisecond)

	start, stop := sup.counts()
	assert.Equal(t, 2, start)
	assert.Equal(t, 2, stop)
}
