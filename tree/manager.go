package tree

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/cudagraphtrees/graphdevice"
	"github.com/nicolagi/cudagraphtrees/tensor"
)

// pathState tracks what kind of node, if any, is currently active.
type pathState int

const (
	stateNone pathState = iota
	stateRecording
	stateExecution
	stateWarmup
)

func (s pathState) String() string {
	switch s {
	case stateRecording:
		return "recording"
	case stateExecution:
		return "execution"
	case stateWarmup:
		return "warmup"
	default:
		return "none"
	}
}

// Manager is a TreeManager: one per (device, pool), dispatching every
// call for every installed function through a single private memory
// pool. All exported methods serialize through mu, mirroring the
// per-entity locking discipline the tree and storage packages already
// use: execution against one manager is always single-threaded and
// cooperative, never concurrent.
type Manager struct {
	mu sync.Mutex

	dev     graphdevice.Client
	factory TensorFactory
	device  int
	pool    graphdevice.PoolID

	generation *GenerationCounter

	debugTrees bool
	skipWarmup bool

	functions      map[FunctionID]*WrappedFunction
	warmedUp       map[FunctionID]struct{}
	nextFunctionID FunctionID

	roots       map[FunctionID][]*Node
	nextGraphID GraphID

	currentNode   *Node
	currentWarmup *Warmup
	state         pathState
	pathGeneration uint64

	debugFailCounter          uint64
	debugCheckpointingCounter uint64
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithDebugTrees enables pool-vs-live-set cross-checks after every path
// transition (Config.DebugTrees).
func WithDebugTrees(on bool) Option { return func(m *Manager) { m.debugTrees = on } }

// WithSkipWarmup suppresses the first-call warmup for every function
// (Config.SkipWarmup).
func WithSkipWarmup(on bool) Option { return func(m *Manager) { m.skipWarmup = on } }

// NewManager builds a Manager bound to pool on device, talking to dev,
// using factory to rematerialize tensors it no longer holds a live Go
// value for, and sharing generation with whatever else the embedding
// host bumps to cancel outstanding paths.
func NewManager(dev graphdevice.Client, factory TensorFactory, device int, pool graphdevice.PoolID, generation *GenerationCounter, opts ...Option) *Manager {
	m := &Manager{
		dev:        dev,
		factory:    factory,
		device:     device,
		pool:       pool,
		generation: generation,
		functions:  make(map[FunctionID]*WrappedFunction),
		warmedUp:   make(map[FunctionID]struct{}),
		roots:      make(map[FunctionID][]*Node),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Install registers model as a new function, returning the FunctionID
// future Run calls must use to reach it. Declared static indices whose
// example tensor's address is not aligned to the allocator's static-input
// boundary are silently dropped from the static set: an unaligned
// address is not relied upon to stay constant, so on replay that input
// is copied into its recorded buffer instead of having its address pinned.
func (m *Manager) Install(model Model, exampleInputs []tensor.Tensor, staticInputIndices map[int]struct{}) FunctionID {
	m.mu.Lock()
	defer m.mu.Unlock()

	declared := make(map[int]struct{}, len(staticInputIndices))
	for i := range staticInputIndices {
		if i < len(exampleInputs) && exampleInputs[i].Address().Aligned(16) {
			declared[i] = struct{}{}
		}
	}

	m.nextFunctionID++
	fid := m.nextFunctionID
	m.functions[fid] = &WrappedFunction{ID: fid, Model: model, DeclaredStatic: declared}
	return fid
}

// Run is the dispatcher: given functionID's already-installed model and a
// fresh set of inputs, it decides whether to warm up, replay an existing
// recording, or commit a new one, and returns whatever that decision
// produces.
func (m *Manager) Run(ctx context.Context, functionID FunctionID, inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run(ctx, functionID, inputs)
}

func (m *Manager) run(ctx context.Context, functionID FunctionID, inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	wf, ok := m.functions[functionID]
	if !ok {
		return nil, errorf("Run", "unknown function %d", functionID)
	}

	switch m.state {
	case stateRecording, stateExecution:
		m.tryEndCurrentNode(ctx)
	case stateWarmup:
		m.tryEndCurrentWarmup(ctx)
	}

	_, warmedUp := m.warmedUp[functionID]
	if m.state == stateWarmup || (!warmedUp && !m.skipWarmup) {
		if m.state == stateExecution {
			if err := m.applyCheckpoint(ctx, m.currentNode); err != nil {
				return nil, err
			}
		}
		return m.runWarmupDispatch(ctx, wf, inputs)
	}

	var candidates []*Node
	if m.currentNode != nil {
		candidates = m.currentNode.ChildrenFor(functionID)
	} else {
		candidates = m.roots[functionID]
	}
	for _, candidate := range candidates {
		matched, fatal := candidate.CheckInvariants(inputs)
		if fatal != nil {
			log.WithFields(log.Fields{
				"function_id": functionID,
				"graph_id":    candidate.id,
			}).Error(fatal)
			m.abort()
			return nil, fatal
		}
		if matched {
			return m.executeNode(ctx, candidate, inputs)
		}
	}

	if m.currentNode != nil {
		if _, isRoot := m.roots[functionID]; isRoot {
			if m.tryEndCurrentNode(ctx) {
				return m.run(ctx, functionID, inputs)
			}
		}
	}

	if m.currentNode != nil {
		if err := m.applyCheckpoint(ctx, m.currentNode); err != nil {
			return nil, err
		}
	}
	return m.recordFunction(ctx, wf, inputs)
}

func (m *Manager) recordFunction(ctx context.Context, wf *WrappedFunction, inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	if err := m.dev.Synchronize(ctx, m.device); err != nil {
		return nil, errorf("recordFunction", "synchronizing before capture: %v", err)
	}

	parent := m.currentNode
	m.nextGraphID++
	node, err := newNode(ctx, m.dev, m.factory, m.nextGraphID, wf, parent, m.pool, m.device, inputs)
	if err != nil {
		m.debugFailCounter++
		m.currentNode = nil
		m.state = stateNone
		return nil, err
	}
	if parent == nil {
		m.roots[wf.ID] = append(m.roots[wf.ID], node)
	}

	m.currentNode = node
	m.state = stateRecording
	m.pathGeneration = m.generation.Value()

	if err := m.dev.Synchronize(ctx, m.device); err != nil {
		return nil, errorf("recordFunction", "synchronizing after capture: %v", err)
	}

	for i := range node.cudagraphManaged {
		if i < len(inputs) {
			inputs[i] = nil
		}
	}
	return node.Run(ctx, m.dev, m.factory, inputs)
}

func (m *Manager) executeNode(ctx context.Context, node *Node, inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	m.currentNode = node
	m.state = stateExecution
	m.pathGeneration = m.generation.Value()
	return node.Run(ctx, m.dev, m.factory, inputs)
}

// current returns whatever node or warmup is presently active, as a
// pathNode, so runWarmup can walk a mixed ancestry.
func (m *Manager) current() pathNode {
	switch m.state {
	case stateWarmup:
		if m.currentWarmup != nil {
			return m.currentWarmup
		}
	case stateRecording, stateExecution:
		if m.currentNode != nil {
			return m.currentNode
		}
	}
	return nil
}

func (m *Manager) runWarmupDispatch(ctx context.Context, wf *WrappedFunction, inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	w, outputs, err := runWarmup(ctx, m.dev, wf, m.current(), m.pool, m.device, inputs)
	if err != nil {
		m.debugFailCounter++
		return nil, err
	}
	// currentNode is deliberately left untouched: a warmup started while a
	// RecordedNode path was active (Recording/Execution) is a detour, not
	// a replacement. Closing the warmup later resumes that node rather
	// than forgetting it (see tryEndCurrentWarmup).
	m.currentWarmup = w
	m.state = stateWarmup
	m.pathGeneration = m.generation.Value()
	m.warmedUp[wf.ID] = struct{}{}
	return outputs, nil
}

// tryEndCurrentNode closes the active recording or execution path (the
// same decision, applied to whichever state currentNode is in) if the
// generation has advanced since the path began, or if every output along
// its path is now dead.
func (m *Manager) tryEndCurrentNode(ctx context.Context) bool {
	if m.currentNode == nil {
		return false
	}
	n := m.currentNode
	closed := m.tryClosePath(ctx, n.AllOutputsDead(), n.PathLiveHandles(), n.ClearPathOutputs)
	if closed {
		m.currentNode = nil
		m.state = stateNone
	}
	return closed
}

func (m *Manager) tryEndCurrentWarmup(ctx context.Context) bool {
	if m.currentWarmup == nil {
		return false
	}
	w := m.currentWarmup
	closed := m.tryClosePath(ctx, w.AllOutputsDead(), w.PathLiveHandles(), w.clearOutputs)
	if closed {
		m.currentWarmup = nil
		if m.currentNode != nil {
			m.state = stateExecution
		} else {
			m.state = stateNone
		}
	}
	return closed
}

func (m *Manager) tryClosePath(ctx context.Context, allDead bool, live []*tensor.StorageHandle, clear func()) bool {
	generationAdvanced := m.generation.Value() != m.pathGeneration
	if !generationAdvanced && !allDead {
		return false
	}
	if generationAdvanced {
		for _, h := range live {
			if h.IsLive() {
				if err := m.dev.RawFree(ctx, uint64(h.Address())); err != nil {
					log.WithFields(log.Fields{"address": h.Address()}).Warning(errorf("tryClosePath", "freeing on generation advance: %v", err))
				}
			}
		}
	}
	clear()
	return true
}

// applyCheckpoint restores the allocator to n's checkpointed state, then
// explicitly releases everything that has died since n was recorded: the
// restore alone would otherwise reincarnate those addresses as live.
func (m *Manager) applyCheckpoint(ctx context.Context, n *Node) error {
	live := n.PathLiveHandles()
	liveAddrs := make([]uint64, len(live))
	for i, h := range live {
		liveAddrs[i] = uint64(h.Address())
	}
	freed := n.DataPtrsFreedSinceRecording()

	if err := m.dev.Restore(ctx, m.device, n.Checkpoint(), nil, liveAddrs); err != nil {
		return errorf("applyCheckpoint", "restoring pool state: %v", err)
	}
	for _, addr := range freed {
		if err := m.dev.RawFree(ctx, uint64(addr)); err != nil {
			return errorf("applyCheckpoint", "freeing %s: %v", addr, err)
		}
	}
	m.debugCheckpointingCounter++

	if m.debugTrees {
		if err := m.checkPoolConsistency(ctx, liveAddrs); err != nil {
			log.WithFields(log.Fields{"function_id": n.functionID, "graph_id": n.id}).Error(err)
		}
	}
	return nil
}

// checkPoolConsistency cross-checks the device's view of pool contents
// against the set of addresses the manager believes are live, logging
// (never panicking) any discrepancy.
func (m *Manager) checkPoolConsistency(ctx context.Context, expectedLive []uint64) error {
	segments, err := m.dev.PoolSegments(ctx, m.pool)
	if err != nil {
		return errorf("checkPoolConsistency", "listing pool segments: %v", err)
	}
	expected := make(map[uint64]struct{}, len(expectedLive))
	for _, a := range expectedLive {
		expected[a] = struct{}{}
	}
	var unaccounted []uint64
	for _, seg := range segments {
		for _, b := range seg.Blocks {
			if !b.Live {
				continue
			}
			if _, ok := expected[b.Addr]; !ok {
				unaccounted = append(unaccounted, b.Addr)
			}
		}
	}
	if len(unaccounted) > 0 {
		return errorf("checkPoolConsistency", "pool reports %d live address(es) the manager does not: %v", len(unaccounted), unaccounted)
	}
	return nil
}

func (m *Manager) abort() {
	if m.currentNode != nil {
		m.currentNode.ClearPathOutputs()
	}
	if m.currentWarmup != nil {
		m.currentWarmup.clearOutputs()
	}
	m.currentNode = nil
	m.currentWarmup = nil
	m.state = stateNone
}
