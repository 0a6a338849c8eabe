// Package graphdevice is the boundary between the tree manager and the
// GPU driver's graph capture, replay, and pool-checkpoint primitives.
// Everything in this package is deliberately thin: it is a contract, not
// an implementation of GPU semantics.
//
// In this repository the boundary is realized as a net/rpc client talking
// to a small device-server process (cmd/cudagraphtreesd); see rpc.go.
package graphdevice

import (
	"context"
	"fmt"
)

// PoolID identifies a private memory pool on a device.
type PoolID uint64

// GraphID identifies one captured graph.
type GraphID uint64

func (g GraphID) String() string { return fmt.Sprintf("graph-%d", uint64(g)) }

// CheckpointState is an opaque allocator snapshot. Only the device server
// that produced it can interpret its contents; the tree manager only
// ever stores it and hands it back.
type CheckpointState []byte

// BlockState describes one block within a pool segment, for debug-mode
// consistency checks.
type BlockState struct {
	Addr uint64
	Size uint64
	Live bool
}

// Segment is one contiguous range of pool memory and the blocks within it.
type Segment struct {
	Address uint64
	Blocks  []BlockState
}

// Storage describes a device-side allocation well enough for the host to
// rematerialize a tensor view over it without touching memory itself.
type Storage struct {
	Address uint64
	Device  int
	Nbytes  uint64
}

// Client is the contract the tree manager uses to drive the GPU device.
// All methods take a context so a stuck or unreachable backend fails the
// in-flight call instead of hanging it forever.
type Client interface {
	NewPool(ctx context.Context, device int) (PoolID, error)
	CaptureBegin(ctx context.Context, device int, pool PoolID) (GraphID, error)
	CaptureEnd(ctx context.Context, device int, graph GraphID) error
	Replay(ctx context.Context, graph GraphID) error
	DestroyGraph(ctx context.Context, graph GraphID) error

	Snapshot(ctx context.Context, device int, pool PoolID) (CheckpointState, error)
	Restore(ctx context.Context, device int, state CheckpointState, stale, live []uint64) error
	RawFree(ctx context.Context, addr uint64) error
	PoolSegments(ctx context.Context, pool PoolID) ([]Segment, error)

	ClearComputeLibraryCaches(ctx context.Context) error

	// ConstructStorage wraps an already-allocated device address into a
	// Storage descriptor, so a TensorFactory never has to fabricate one
	// out of thin air: rematerializing a tensor view is itself a call
	// against the device, not a purely local decision.
	ConstructStorage(ctx context.Context, device int, address uint64, nbytes uint64) (Storage, error)

	// Alloc and Synchronize exist to let the manager drive a fake device
	// in tests without reaching for unsafe.Pointer arithmetic: Alloc
	// returns a fresh address inside pool, and Synchronize blocks until
	// all work issued so far against device has completed.
	Alloc(ctx context.Context, device int, pool PoolID, nbytes uint64) (uint64, error)
	Synchronize(ctx context.Context, device int) error
}
