// Package restart coalesces configuration-change-triggered restarts of
// the Listener Supervisor into a single serialized stop-then-start cycle
// triggered by a configuration change.
package restart

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/ridgeline/gwcore/internal/gwconfig"
)

// Supervisor is the subset of *supervisor.Supervisor the Coordinator
// needs; declared here so this package does not import supervisor (and
// so tests can supply a fake).
type Supervisor interface {
	Start(snap gwconfig.Snapshot) error
	Stop(ctx context.Context) error
}

// Registry is the subset of *gwconfig.Registry the Coordinator needs.
type Registry interface {
	Snapshot() gwconfig.Snapshot
}

// Coordinator serializes restarts: a Restart() call that arrives while
// one is already running sets a pending flag instead of starting a
// second stop/start cycle; the running cycle notices the flag and loops
// again using the registry's then-current snapshot.
type Coordinator struct {
	sup      Supervisor
	registry Registry
	logger   hclog.Logger

	mu      sync.Mutex
	running bool
	pending bool
}

// New returns a Coordinator driving sup from registry snapshots.
func New(sup Supervisor, registry Registry, logger hclog.Logger) *Coordinator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Coordinator{sup: sup, registry: registry, logger: logger.Named("restart")}
}

// Restart requests a stop/start cycle. If one is already in progress,
// this call only marks a pending follow-up restart and returns
// immediately; the in-progress cycle will loop once more on completion.
func (c *Coordinator) Restart(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.pending = true
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.run(ctx)
}

func (c *Coordinator) run(ctx context.Context) {
	for {
		if err := c.sup.Stop(ctx); err != nil {
			c.logger.Error("restart: stop failed, leaving prior listener set running", "error", err)
			if c.finishOrLoop() {
				continue
			}
			return
		}

		snap := c.registry.Snapshot()
		if err := c.sup.Start(snap); err != nil {
			c.logger.Error("restart: start reported bind failures", "error", err)
		}

		if !c.finishOrLoop() {
			return
		}
	}
}

// finishOrLoop clears the running flag unless a restart was requested
// while this cycle was in flight, in which case it clears pending and
// reports that the caller should loop again.
func (c *Coordinator) finishOrLoop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending {
		c.pending = false
		return true
	}
	c.running = false
	return false
}

// inProgress reports whether a restart cycle is currently running; used
// only by tests observing coalescing behavior.
func (c *Coordinator) inProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
