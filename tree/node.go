package tree

import (
	"context"
	"fmt"

	"github.com/nicolagi/cudagraphtrees/graphdevice"
	"github.com/nicolagi/cudagraphtrees/tensor"
)

// FunctionID names one compiled callable registered with a Manager. It is
// assigned once, at Install time, and never reused.
type FunctionID uint64

// GraphID is the tree's own monotonic counter for recorded nodes,
// independent of whatever handle the device assigns the captured graph
// (graphdevice.GraphID). Two different RecordedNodes never share a
// GraphID, even across devices or pools.
type GraphID uint64

// Model is a compiled callable. It receives the device and pool it is
// being captured into (or replayed against, the first time it runs for
// real) together with its inputs, and returns its outputs. Model is only
// ever invoked once per RecordedNode, during that node's construction;
// every later call against the same shapes replays the captured graph
// instead.
type Model func(ctx context.Context, dev graphdevice.Client, pool graphdevice.PoolID, device int, inputs []tensor.Tensor) ([]tensor.Tensor, error)

// TensorFactory rematerializes a tensor view over a storage described by
// recorded metadata. The manager calls it whenever it needs a Tensor to
// hand back to the caller or to copy into, but has no live Go value for
// it anymore: reconstructing a static/managed input is never necessary
// (the original value is reused), but every other position is rebuilt
// this way on replay. It goes through dev.ConstructStorage rather than
// fabricating a view locally, since the address it is handed only means
// something to the device that owns it.
type TensorFactory func(ctx context.Context, dev graphdevice.Client, device int, meta tensor.Metadata) (tensor.Tensor, error)

// WrappedFunction is a callable registered with a Manager: the compiled
// model itself, plus the input positions the caller has promised will
// keep a stable address for the life of the process.
type WrappedFunction struct {
	ID             FunctionID
	Model          Model
	DeclaredStatic map[int]struct{}
}

// Node is a RecordedNode: one captured graph in the tree, together with
// everything needed to decide, on a later call with the same function,
// whether this capture can be replayed as-is.
type Node struct {
	id          GraphID
	functionID  FunctionID
	device      int
	pool        graphdevice.PoolID
	graphHandle graphdevice.GraphID

	parent   *Node
	children map[FunctionID][]*Node

	staticInputIndices   map[int]struct{}
	staticInputAddresses map[int]tensor.Address
	cudagraphManaged     map[int]struct{}
	expandedDims         map[int][]int
	inputsMetadata       map[int]tensor.Metadata

	outputsMetadata          []tensor.Metadata
	outputAliasesStaticInput []bool
	outputsWeakrefs          []*tensor.StorageHandle

	// path holds every ancestor from the root up to and including this
	// node. Storing node pointers rather than copies of their output
	// vectors is what makes the aliasing invariant (I1) hold for free: a
	// mutation to an ancestor's outputsWeakrefs is visible to every
	// descendant's path without any propagation step.
	path []*Node

	livenessBefore     [][]bool
	livenessAfter      [][]bool
	expectedDeadBefore []tensor.PathIndex
	expectedDeadAfter  []tensor.PathIndex
	liveIndicesAfter   []tensor.PathIndex

	checkpoint graphdevice.CheckpointState

	executed        bool
	retainedOutputs []tensor.Tensor
}

// Outputs and Parent let Node satisfy the pathNode interface WarmupNode
// uses to walk mixed Warmup/RecordedNode ancestries.
func (n *Node) Outputs() []*tensor.StorageHandle { return n.outputsWeakrefs }

func (n *Node) Parent() pathNode {
	if n.parent == nil {
		return nil
	}
	return n.parent
}

func (n *Node) clearOutputs() {
	for i := range n.outputsWeakrefs {
		n.outputsWeakrefs[i] = nil
	}
}

// ID, Function, Device, Pool and Depth are plain accessors, mostly for
// diagnostics.
func (n *Node) ID() GraphID           { return n.id }
func (n *Node) Function() FunctionID  { return n.functionID }
func (n *Node) Device() int           { return n.device }
func (n *Node) Pool() graphdevice.PoolID { return n.pool }
func (n *Node) Depth() int            { return len(n.path) - 1 }

// ChildrenFor returns the recorded children for the given function at
// this node, in recording order.
func (n *Node) ChildrenFor(fn FunctionID) []*Node { return n.children[fn] }

func (n *Node) addChild(child *Node) {
	if n.children == nil {
		n.children = make(map[FunctionID][]*Node)
	}
	n.children[child.functionID] = append(n.children[child.functionID], child)
}

// liveAncestorAddresses indexes every currently-live output address
// reachable from path, keyed back to the PathIndex that produced it.
// Used both to classify incoming inputs as cudagraph-managed (construction
// step 1) and, via the pathNode-based variant, to do the same for warmup.
func liveAncestorAddresses(path []*Node) map[tensor.Address]tensor.PathIndex {
	m := make(map[tensor.Address]tensor.PathIndex, 0)
	for d, anc := range path {
		for s, h := range anc.outputsWeakrefs {
			if h.IsLive() {
				m[h.Address()] = tensor.PathIndex{Depth: d, Slot: s}
			}
		}
	}
	return m
}

// livenessSnapshot takes a liveness reading over every ancestor currently
// on path, ancestor-by-ancestor. Index [d][s] reports whether output s of
// the ancestor at depth d is still live.
func livenessSnapshot(path []*Node) [][]bool {
	snap := make([][]bool, len(path))
	for d, anc := range path {
		row := make([]bool, len(anc.outputsWeakrefs))
		for s, h := range anc.outputsWeakrefs {
			row[s] = h.IsLive()
		}
		snap[d] = row
	}
	return snap
}

// positionsGoingDead returns every PathIndex that was live in `before`
// but is not live in `after`. It is used twice: once comparing a parent's
// post-execution snapshot against this node's pre-execution snapshot
// (expected_dead_before), and once comparing this node's own before/after
// snapshots (expected_dead_after, i.e. what this node's capture consumed).
func positionsGoingDead(before, after [][]bool) []tensor.PathIndex {
	var out []tensor.PathIndex
	for d, row := range before {
		for s, wasLive := range row {
			if !wasLive {
				continue
			}
			stillLive := d < len(after) && s < len(after[d]) && after[d][s]
			if !stillLive {
				out = append(out, tensor.PathIndex{Depth: d, Slot: s})
			}
		}
	}
	return out
}

// newNode runs the construction algorithm: it captures wf's model against
// inputs, under parent (nil for a new root), and returns the resulting
// RecordedNode.
func newNode(
	ctx context.Context,
	dev graphdevice.Client,
	factory TensorFactory,
	id GraphID,
	wf *WrappedFunction,
	parent *Node,
	pool graphdevice.PoolID,
	device int,
	inputs []tensor.Tensor,
) (*Node, error) {
	ancestorPath := []*Node{}
	if parent != nil {
		ancestorPath = parent.path
	}

	liveAddrs := liveAncestorAddresses(ancestorPath)

	staticInputIndices := make(map[int]struct{})
	staticInputAddresses := make(map[int]tensor.Address)
	cudagraphManaged := make(map[int]struct{})
	expandedDims := make(map[int][]int)
	inputsMetadata := make(map[int]tensor.Metadata)

	for i, in := range inputs {
		_, declared := wf.DeclaredStatic[i]
		if _, ok := liveAddrs[in.Address()]; ok {
			cudagraphManaged[i] = struct{}{}
		}
		_, managed := cudagraphManaged[i]
		if declared || managed {
			staticInputIndices[i] = struct{}{}
			staticInputAddresses[i] = in.Address()
		} else {
			meta := in.Metadata()
			inputsMetadata[i] = meta
			expandedDims[i] = meta.ExpandedDims()
		}
	}

	n := &Node{
		id:                   id,
		functionID:           wf.ID,
		device:               device,
		pool:                 pool,
		parent:               parent,
		staticInputIndices:   staticInputIndices,
		staticInputAddresses: staticInputAddresses,
		cudagraphManaged:     cudagraphManaged,
		expandedDims:         expandedDims,
		inputsMetadata:       inputsMetadata,
	}
	n.path = append(append([]*Node{}, ancestorPath...), n)

	if parent != nil {
		n.livenessBefore = livenessSnapshot(n.path)
		n.expectedDeadBefore = positionsGoingDead(parent.livenessAfter, n.livenessBefore)
	} else {
		n.livenessBefore = livenessSnapshot(n.path)
	}

	// Allocate replacement buffers, inside the pool, for every non-static
	// input: the model must never see the caller's original storage for
	// a position it hasn't promised to keep stable.
	recordingInputs := make([]tensor.Tensor, len(inputs))
	copy(recordingInputs, inputs)
	for i := range inputsMetadata {
		meta := inputsMetadata[i]
		addr, err := dev.Alloc(ctx, device, pool, meta.Size)
		if err != nil {
			return nil, errorf("newNode", "allocating scratch input %d: %v", i, err)
		}
		meta.Addr = tensor.Address(addr)
		inputsMetadata[i] = meta
		// The scratch buffer is left uninitialized on purpose: construction
		// never copies the caller's data in, only replay does. The model
		// only ever sees this pool-owned view, never the caller's original
		// storage.
		view, err := factory(ctx, dev, device, meta)
		if err != nil {
			return nil, errorf("newNode", "materializing scratch input %d: %v", i, err)
		}
		recordingInputs[i] = view
	}

	if err := dev.ClearComputeLibraryCaches(ctx); err != nil {
		return nil, errorf("newNode", "clearing compute library caches: %v", err)
	}
	exitCleared := false
	defer func() {
		if !exitCleared {
			_ = dev.ClearComputeLibraryCaches(ctx)
		}
	}()

	graphHandle, err := dev.CaptureBegin(ctx, device, pool)
	if err != nil {
		return nil, errorf("newNode", "CaptureBegin: %v", err)
	}
	n.graphHandle = graphHandle

	captureEnded := false
	defer func() {
		if !captureEnded {
			_ = dev.CaptureEnd(ctx, device, graphHandle)
		}
	}()
	outputs, modelErr := wf.Model(ctx, dev, pool, device, recordingInputs)
	captureEnded = true
	if endErr := dev.CaptureEnd(ctx, device, graphHandle); endErr != nil && modelErr == nil {
		modelErr = endErr
	}
	if modelErr != nil {
		return nil, errorf("newNode", "capturing function %d: %v", wf.ID, modelErr)
	}

	exitCleared = true
	if err := dev.ClearComputeLibraryCaches(ctx); err != nil {
		return nil, errorf("newNode", "clearing compute library caches: %v", err)
	}

	staticAddrSet := make(map[tensor.Address]struct{}, len(staticInputAddresses))
	for _, addr := range staticInputAddresses {
		staticAddrSet[addr] = struct{}{}
	}

	n.outputsMetadata = make([]tensor.Metadata, len(outputs))
	n.outputAliasesStaticInput = make([]bool, len(outputs))
	n.outputsWeakrefs = make([]*tensor.StorageHandle, len(outputs))
	n.retainedOutputs = outputs
	for k, out := range outputs {
		n.outputsMetadata[k] = out.Metadata()
		_, alias := staticAddrSet[out.Address()]
		n.outputAliasesStaticInput[k] = alias
		if !alias {
			n.outputsWeakrefs[k] = out.Handle()
		}
	}

	state, err := dev.Snapshot(ctx, device, pool)
	if err != nil {
		return nil, errorf("newNode", "snapshotting allocator state: %v", err)
	}
	n.checkpoint = state

	n.livenessAfter = livenessSnapshot(n.path)
	n.expectedDeadAfter = positionsGoingDead(n.livenessBefore, n.livenessAfter)
	for d, row := range n.livenessAfter {
		for s, live := range row {
			if live {
				n.liveIndicesAfter = append(n.liveIndicesAfter, tensor.PathIndex{Depth: d, Slot: s})
			}
		}
	}

	if parent != nil {
		parent.addChild(n)
	}

	return n, nil
}

// CheckInvariants decides whether inputs can replay this node as-is.
//
// matched reports whether the static/managed addresses and the
// expected_dead_before positions agree with what was recorded: false
// means the caller should try the next sibling, or fall through to a new
// recording.
//
// A non-nil fatal error means matched addresses, but dropping the
// cudagraph-managed input references afterward left something alive that
// this node's capture expects to have exclusive ownership of; the caller
// must abort replay entirely rather than try another sibling.
func (n *Node) CheckInvariants(inputs []tensor.Tensor) (matched bool, fatal error) {
	for i := range n.cudagraphManaged {
		if i >= len(inputs) || inputs[i] == nil || inputs[i].Address() != n.staticInputAddresses[i] {
			return false, nil
		}
	}
	for _, pos := range n.expectedDeadBefore {
		if n.path[pos.Depth].outputsWeakrefs[pos.Slot].IsLive() {
			return false, nil
		}
	}

	for i := range n.cudagraphManaged {
		inputs[i] = nil
	}

	for _, pos := range n.expectedDeadAfter {
		if n.path[pos.Depth].outputsWeakrefs[pos.Slot].IsLive() {
			return true, fmt.Errorf("%w: function %d graph %d: position %s still live after dropping managed inputs",
				ErrLivenessViolation, n.functionID, n.id, pos)
		}
	}
	return true, nil
}

// Run replays this node's captured graph against inputs, which must have
// already passed CheckInvariants (and so have had its cudagraph-managed
// slots cleared to nil). Every call replays the graph. On the very first
// call after construction it then returns the outputs retained from the
// capture; later calls reconstruct output tensors from the recorded
// metadata.
func (n *Node) Run(ctx context.Context, dev graphdevice.Client, factory TensorFactory, inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	cache := make(map[tensor.Address]tensor.Tensor)

	for i, in := range inputs {
		if in == nil {
			continue
		}
		if addr, ok := n.staticInputAddresses[i]; ok {
			if in.Address() != addr {
				return nil, errorf("Run", "static input %d address drift: got %s want %s", i, in.Address(), addr)
			}
			continue
		}
		meta, ok := n.inputsMetadata[i]
		if !ok {
			return nil, errorf("Run", "no recorded metadata for non-static input %d", i)
		}
		dst, ok := cache[meta.Addr]
		if !ok {
			var err error
			dst, err = factory(ctx, dev, n.device, meta)
			if err != nil {
				return nil, errorf("Run", "reconstructing input %d: %v", i, err)
			}
			cache[meta.Addr] = dst
		}
		if err := dst.CopyFrom(in, n.expandedDims[i]); err != nil {
			return nil, errorf("Run", "copying input %d: %v", i, err)
		}
	}

	for i := range inputs {
		inputs[i] = nil
	}

	if err := dev.Replay(ctx, n.graphHandle); err != nil {
		return nil, errorf("Run", "replaying graph %d: %v", n.id, err)
	}

	if !n.executed {
		n.executed = true
		outputs := n.retainedOutputs
		n.retainedOutputs = nil
		return outputs, nil
	}

	outputs := make([]tensor.Tensor, len(n.outputsMetadata))
	for k, meta := range n.outputsMetadata {
		out, ok := cache[meta.Addr]
		if !ok {
			var err error
			out, err = factory(ctx, dev, n.device, meta)
			if err != nil {
				return nil, errorf("Run", "reconstructing output %d: %v", k, err)
			}
			cache[meta.Addr] = out
		}
		outputs[k] = out
		if !n.outputAliasesStaticInput[k] {
			n.outputsWeakrefs[k] = out.Handle()
		}
	}
	return outputs, nil
}

// AllOutputsDead reports whether every output this node or any of its
// ancestors contributed to its path is now dead. A true result is one of
// the two conditions (alongside a generation bump) that lets a path be
// abandoned and a sibling started instead.
func (n *Node) AllOutputsDead() bool {
	for _, pos := range n.liveIndicesAfter {
		if n.path[pos.Depth].outputsWeakrefs[pos.Slot].IsLive() {
			return false
		}
	}
	return true
}

// PathLiveHandles returns the still-live output handles along this
// node's path, for diagnostics and for the manager's path closing and
// checkpoint restore.
func (n *Node) PathLiveHandles() []*tensor.StorageHandle {
	var out []*tensor.StorageHandle
	for _, pos := range n.liveIndicesAfter {
		h := n.path[pos.Depth].outputsWeakrefs[pos.Slot]
		if h.IsLive() {
			out = append(out, h)
		}
	}
	return out
}

// DataPtrsFreedSinceRecording returns the addresses of every output along
// this node's path that was live right after this node's own execution,
// but has since died.
func (n *Node) DataPtrsFreedSinceRecording() []tensor.Address {
	var out []tensor.Address
	for _, pos := range n.liveIndicesAfter {
		h := n.path[pos.Depth].outputsWeakrefs[pos.Slot]
		if !h.IsLive() {
			out = append(out, n.path[pos.Depth].outputsMetadata[pos.Slot].Addr)
		}
	}
	return out
}

// ClearPathOutputs drops every weak reference held along this node's
// path, ancestor and self alike. Called once a path is abandoned, so a
// later DumpTree does not report stale liveness for nodes that can no
// longer be replayed into.
func (n *Node) ClearPathOutputs() {
	for _, anc := range n.path {
		anc.clearOutputs()
	}
}

// Checkpoint returns the allocator snapshot taken right after this
// node's capture, used to rewind the pool before trying a sibling or a
// fresh recording under the same parent.
func (n *Node) Checkpoint() graphdevice.CheckpointState { return n.checkpoint }
