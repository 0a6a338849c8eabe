package tree

import (
	"context"

	"github.com/nicolagi/cudagraphtrees/graphdevice"
	"github.com/nicolagi/cudagraphtrees/tensor"
)

// pathNode is implemented by both Warmup and Node, so a warmup chain can
// walk back through a mix of the two kinds of ancestor looking for
// pool-owned storage.
type pathNode interface {
	Outputs() []*tensor.StorageHandle
	Parent() pathNode
	clearOutputs()
}

// Warmup is a WarmupNode: the uncaptured, eager run every function gets
// exactly once before the tree manager will consider recording a graph
// for it. Running eagerly first gives the allocator a chance to settle
// into its steady-state memory layout, and lets lazy one-time
// initialization inside the callable happen outside of any capture.
type Warmup struct {
	functionID FunctionID
	parent     pathNode
	pool       graphdevice.PoolID
	device     int

	outputsWeakrefs []*tensor.StorageHandle
	hasRun          bool
}

func (w *Warmup) Outputs() []*tensor.StorageHandle { return w.outputsWeakrefs }
func (w *Warmup) Parent() pathNode                 { return w.parent }
func (w *Warmup) Function() FunctionID             { return w.functionID }
func (w *Warmup) Pool() graphdevice.PoolID         { return w.pool }
func (w *Warmup) HasRun() bool                     { return w.hasRun }

func (w *Warmup) clearOutputs() {
	for i := range w.outputsWeakrefs {
		w.outputsWeakrefs[i] = nil
	}
}

// PathLiveHandles returns every still-live output handle reachable by
// walking this warmup's ancestor chain, mirroring Node.PathLiveHandles.
func (w *Warmup) PathLiveHandles() []*tensor.StorageHandle {
	var out []*tensor.StorageHandle
	for _, anc := range ancestorChain(w) {
		for _, h := range anc.Outputs() {
			if h.IsLive() {
				out = append(out, h)
			}
		}
	}
	return out
}

// runWarmup runs wf eagerly (no capture) against inputs, under parent
// (which may be nil, another Warmup, or a Node). It classifies each
// output as pool-owned or not by checking whether its address appears
// among the live outputs of some ancestor on the chain rooted at parent:
// only pool-owned outputs get a tracked weak reference, since only those
// participate in the liveness bookkeeping a later RecordedNode will rely
// on.
func runWarmup(ctx context.Context, dev graphdevice.Client, wf *WrappedFunction, parent pathNode, pool graphdevice.PoolID, device int, inputs []tensor.Tensor) (*Warmup, []tensor.Tensor, error) {
	w := &Warmup{functionID: wf.ID, parent: parent, pool: pool, device: device}

	owned := poolOwnedAddresses(parent)

	if err := dev.ClearComputeLibraryCaches(ctx); err != nil {
		return nil, nil, errorf("runWarmup", "clearing compute library caches: %v", err)
	}
	defer func() { _ = dev.ClearComputeLibraryCaches(ctx) }()

	outputs, err := wf.Model(ctx, dev, pool, device, inputs)
	if err != nil {
		return nil, nil, errorf("runWarmup", "running warmup for function %d: %v", wf.ID, err)
	}
	if err := dev.Synchronize(ctx, device); err != nil {
		return nil, nil, errorf("runWarmup", "synchronizing after warmup: %v", err)
	}

	w.outputsWeakrefs = make([]*tensor.StorageHandle, len(outputs))
	for k, out := range outputs {
		if _, ok := owned[out.Address()]; ok {
			w.outputsWeakrefs[k] = out.Handle()
		}
	}
	w.hasRun = true

	for i := range inputs {
		inputs[i] = nil
	}

	return w, outputs, nil
}

// poolOwnedAddresses collects the addresses of every currently-live
// output reachable by walking p's ancestor chain, root first. A nil p
// (warmup with no parent) yields an empty set.
func poolOwnedAddresses(p pathNode) map[tensor.Address]struct{} {
	m := make(map[tensor.Address]struct{})
	for _, anc := range ancestorChain(p) {
		for _, h := range anc.Outputs() {
			if h.IsLive() {
				m[h.Address()] = struct{}{}
			}
		}
	}
	return m
}

func ancestorChain(p pathNode) []pathNode {
	var chain []pathNode
	for p != nil {
		chain = append([]pathNode{p}, chain...)
		p = p.Parent()
	}
	return chain
}

// AllOutputsDead reports whether every pool-owned output produced along
// this warmup's ancestor chain, including its own, is now dead.
func (w *Warmup) AllOutputsDead() bool {
	return len(w.PathLiveHandles()) == 0
}
