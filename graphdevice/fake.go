package graphdevice

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Client meant to be used in unit tests, the same
// role storage.InMemory plays for the storage package: no real device,
// enough bookkeeping to make the contract's invariants checkable.
type Fake struct {
	mu sync.Mutex

	nextPool  PoolID
	nextGraph GraphID
	nextAddr  uint64

	// live maps an address to its size, for every block the fake
	// considers currently allocated.
	live map[uint64]uint64

	// graphs maps a GraphID to the set of addresses it captured; Replay
	// uses it to recognise known graphs and DestroyGraph to forget them.
	graphs map[GraphID][]uint64

	capturing    bool
	capturePool  PoolID
	captureGraph GraphID

	ClearCacheCalls int
	SyncCalls       int
}

// NewFake returns a ready-to-use fake device.
func NewFake() *Fake {
	return &Fake{
		live:   make(map[uint64]uint64),
		graphs: make(map[GraphID][]uint64),
	}
}

var _ Client = (*Fake)(nil)

func (f *Fake) NewPool(ctx context.Context, device int) (PoolID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPool++
	return f.nextPool, nil
}

func (f *Fake) CaptureBegin(ctx context.Context, device int, pool PoolID) (GraphID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.capturing {
		return 0, fmt.Errorf("graphdevice.Fake: capture already in progress")
	}
	f.nextGraph++
	f.capturing = true
	f.capturePool = pool
	f.captureGraph = f.nextGraph
	return f.captureGraph, nil
}

func (f *Fake) CaptureEnd(ctx context.Context, device int, graph GraphID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.capturing || f.captureGraph != graph {
		return fmt.Errorf("graphdevice.Fake: graph %v not being captured", graph)
	}
	// Register the graph even if nothing was allocated during capture,
	// so it can still be replayed.
	if _, ok := f.graphs[graph]; !ok {
		f.graphs[graph] = nil
	}
	f.capturing = false
	return nil
}

func (f *Fake) Replay(ctx context.Context, graph GraphID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.graphs[graph]; !ok {
		return fmt.Errorf("graphdevice.Fake: unknown graph %v", graph)
	}
	return nil
}

func (f *Fake) DestroyGraph(ctx context.Context, graph GraphID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.graphs, graph)
	return nil
}

func (f *Fake) Snapshot(ctx context.Context, device int, pool PoolID) (CheckpointState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Encode the live set as a byte blob, in map iteration order: that's all a
	// real checkpoint is to its caller anyway, an opaque token.
	state := make(CheckpointState, 0, 8*len(f.live))
	for addr, size := range f.live {
		state = appendU64(state, addr)
		state = appendU64(state, size)
	}
	return state, nil
}

func (f *Fake) Restore(ctx context.Context, device int, state CheckpointState, stale, live []uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	restored := make(map[uint64]uint64)
	for i := 0; i+16 <= len(state); i += 16 {
		addr := readU64(state[i:])
		size := readU64(state[i+8:])
		restored[addr] = size
	}
	for _, addr := range live {
		if _, ok := restored[addr]; !ok {
			restored[addr] = f.live[addr]
		}
	}
	f.live = restored
	return nil
}

func (f *Fake) RawFree(ctx context.Context, addr uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, addr)
	return nil
}

func (f *Fake) PoolSegments(ctx context.Context, pool PoolID) ([]Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seg := Segment{Address: 0}
	for addr, size := range f.live {
		seg.Blocks = append(seg.Blocks, BlockState{Addr: addr, Size: size, Live: true})
	}
	return []Segment{seg}, nil
}

func (f *Fake) ClearComputeLibraryCaches(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ClearCacheCalls++
	return nil
}

// ConstructStorage registers address as live (if it is not already, e.g.
// for an address the caller learned about from recorded metadata rather
// than from this fake's own Alloc) and returns a descriptor for it.
func (f *Fake) ConstructStorage(ctx context.Context, device int, address uint64, nbytes uint64) (Storage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[address]; !ok {
		f.live[address] = nbytes
	}
	return Storage{Address: address, Device: device, Nbytes: nbytes}, nil
}

func (f *Fake) Alloc(ctx context.Context, device int, pool PoolID, nbytes uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextAddr += 64 // keep every allocation 16-byte aligned with headroom.
	addr := f.nextAddr
	f.live[addr] = nbytes
	if f.capturing {
		f.graphs[f.captureGraph] = append(f.graphs[f.captureGraph], addr)
	}
	return addr, nil
}

func (f *Fake) Synchronize(ctx context.Context, device int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SyncCalls++
	return nil
}

// LiveAddresses returns a snapshot of currently-live addresses, for test
// assertions.
func (f *Fake) LiveAddresses() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, 0, len(f.live))
	for addr := range f.live {
		out = append(out, addr)
	}
	return out
}

func appendU64(b []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}

func readU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
