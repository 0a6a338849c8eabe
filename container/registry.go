package container

import (
	"sync"

	"github.com/nicolagi/cudagraphtrees/graphdevice"
	"github.com/nicolagi/cudagraphtrees/tree"
)

// registry holds the process-wide per-device Container map plus the
// single GenerationCounter shared by every device. A plain sync.Mutex
// guards it rather than sync.Once, because devices are discovered
// incrementally as callers ask for them, not all at process start.
var registry = struct {
	mu         sync.Mutex
	generation tree.GenerationCounter
	containers map[int]*Container
}{
	containers: make(map[int]*Container),
}

// GetOrCreateContainer returns the Container for device, constructing it
// (with the process-wide GenerationCounter and the given device/factory)
// on first use.
func GetOrCreateContainer(device int, dev graphdevice.Client, factory tree.TensorFactory, opts ...tree.Option) *Container {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if c, ok := registry.containers[device]; ok {
		return c
	}
	c := New(device, dev, factory, &registry.generation, opts...)
	registry.containers[device] = c
	return c
}

// BumpGeneration advances the process-wide generation counter, the sole
// abstract cancellation lever over every device's currently active path.
func BumpGeneration() uint64 {
	return registry.generation.Bump()
}

// Reset tears down the registry, for test isolation.
func Reset() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.containers = make(map[int]*Container)
	registry.generation = tree.GenerationCounter{}
}
