// Package container owns the lifetime of TreeManagers. A Container is a
// ManagerContainer: the per-device holder of at most one tree.Manager,
// constructed lazily on first use and torn down once nothing reachable
// from user code still needs it.
package container

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/cudagraphtrees/graphdevice"
	"github.com/nicolagi/cudagraphtrees/tree"
)

// Container is a ManagerContainer. All exported methods are safe for
// concurrent use; they serialize through mu the same way tree.Manager
// serializes its own calls, applied here one level up, to manager
// construction and teardown rather than to Run itself.
type Container struct {
	mu sync.Mutex

	device     int
	dev        graphdevice.Client
	factory    tree.TensorFactory
	generation *tree.GenerationCounter
	opts       []tree.Option

	manager            *tree.Manager
	pool               graphdevice.PoolID
	liveCallablesCount int
	liveStoragesCount  int
}

// New builds a Container bound to device, not yet holding a manager.
func New(device int, dev graphdevice.Client, factory tree.TensorFactory, generation *tree.GenerationCounter, opts ...tree.Option) *Container {
	return &Container{
		device:     device,
		dev:        dev,
		factory:    factory,
		generation: generation,
		opts:       opts,
	}
}

// GetOrCreate lazily allocates a private pool and constructs the
// TreeManager bound to it, or returns the existing one.
func (c *Container) GetOrCreate(ctx context.Context) (*tree.Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manager != nil {
		return c.manager, nil
	}
	pool, err := c.dev.NewPool(ctx, c.device)
	if err != nil {
		return nil, errorf("GetOrCreate", "allocating pool on device %d: %v", c.device, err)
	}
	c.pool = pool
	c.manager = tree.NewManager(c.dev, c.factory, c.device, pool, c.generation, c.opts...)
	log.WithFields(log.Fields{
		"device": c.device,
		"pool":   pool,
	}).Info("tree manager constructed")
	return c.manager, nil
}

// AddStrongRef registers callable as a live user of this container,
// incrementing liveCallablesCount and arranging for callable's eventual
// garbage collection to drive the symmetric decrement.
func (c *Container) AddStrongRef(callable *Callable) {
	c.mu.Lock()
	c.liveCallablesCount++
	c.mu.Unlock()
	registerCallableFinalizer(callable)
}

// AddStorageRef tracks one more live output tensor handed out by this
// container's manager: the manager and its pool must outlive every such
// tensor.
func (c *Container) AddStorageRef() {
	c.mu.Lock()
	c.liveStoragesCount++
	c.mu.Unlock()
}

// OnCallableDropped is the symmetric decrement to AddStrongRef, invoked
// by a Callable's finalizer once it becomes unreachable.
func (c *Container) OnCallableDropped() {
	c.mu.Lock()
	c.liveCallablesCount--
	c.dropIfUnreferencedLocked()
	c.mu.Unlock()
}

// OnStorageDropped is the symmetric decrement to AddStorageRef, invoked
// when a storage handle backing an output tensor is observed dead.
func (c *Container) OnStorageDropped() {
	c.mu.Lock()
	c.liveStoragesCount--
	c.dropIfUnreferencedLocked()
	c.mu.Unlock()
}

// dropIfUnreferencedLocked drops the manager reference once both
// populations reach zero, releasing the pool it held.
func (c *Container) dropIfUnreferencedLocked() {
	if c.manager == nil {
		return
	}
	if c.liveCallablesCount > 0 || c.liveStoragesCount > 0 {
		return
	}
	log.WithFields(log.Fields{
		"device": c.device,
		"pool":   c.pool,
	}).Info("tree manager dropped, pool released")
	c.manager = nil
}

// Stats exposes the container's reference counts, for diagnostics.
func (c *Container) Stats() (liveCallables, liveStorages int, hasManager bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveCallablesCount, c.liveStoragesCount, c.manager != nil
}

// Manager returns the container's current manager, or nil if none has
// been constructed yet. Used by the debug RPC service and the pool
// consistency sweep; never constructs one.
func (c *Container) Manager() *tree.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manager
}

// Sweep cross-checks the device pool's reported live blocks against
// every address the manager still considers live, logging (never
// failing) any block the device reports live that the manager has lost
// track of. This is the debug-mode pool consistency sweep: informational
// only, since the device is the ground truth and a manager lagging
// behind it is expected between a tensor's death and its finalizer
// running.
func (c *Container) Sweep(ctx context.Context) {
	c.mu.Lock()
	m := c.manager
	pool := c.pool
	c.mu.Unlock()
	if m == nil {
		return
	}
	segments, err := c.dev.PoolSegments(ctx, pool)
	if err != nil {
		log.WithError(err).Warn("pool consistency sweep: PoolSegments failed")
		return
	}
	tracked := make(map[uint64]struct{})
	for _, addr := range m.LiveAddresses() {
		tracked[addr] = struct{}{}
	}
	for _, seg := range segments {
		for _, b := range seg.Blocks {
			if !b.Live {
				continue
			}
			if _, ok := tracked[b.Addr]; !ok {
				log.WithFields(log.Fields{
					"device": c.device,
					"pool":   pool,
					"addr":   b.Addr,
					"size":   b.Size,
				}).Warn("pool consistency sweep: device-live block untracked by manager")
			}
		}
	}
}
