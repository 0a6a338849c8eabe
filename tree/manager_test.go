package tree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicolagi/cudagraphtrees/graphdevice"
	"github.com/nicolagi/cudagraphtrees/tensor"
)

func newTestManager(t *testing.T) (*Manager, *graphdevice.Fake, graphdevice.PoolID, *GenerationCounter) {
	t.Helper()
	dev := graphdevice.NewFake()
	pool, err := dev.NewPool(context.Background(), 0)
	require.NoError(t, err)
	gen := &GenerationCounter{}
	return NewManager(dev, fakeFactory, 0, pool, gen), dev, pool, gen
}

func incrementBy(delta int) Model {
	return func(ctx context.Context, dev graphdevice.Client, pool graphdevice.PoolID, device int, inputs []tensor.Tensor) ([]tensor.Tensor, error) {
		in := inputs[0].(*fakeTensor)
		addr, err := dev.Alloc(ctx, device, pool, 8)
		if err != nil {
			return nil, err
		}
		return []tensor.Tensor{newFakeTensor(addr, 8, in.value + delta)}, nil
	}
}

// Scenario 1: single function, single replay.
func TestManagerWarmupThenRecordThenReplay(t *testing.T) {
	ctx := context.Background()
	m, _, _, gen := newTestManager(t)

	x := newFakeTensor(16, 8, 1)
	fid := m.Install(incrementBy(1), []tensor.Tensor{x}, nil)

	out1, err := m.Run(ctx, fid, []tensor.Tensor{x})
	require.NoError(t, err)
	assert.Equal(t, 2, out1[0].(*fakeTensor).value)
	assert.Nil(t, m.currentNode, "warmup never becomes a recorded node")

	out2, err := m.Run(ctx, fid, []tensor.Tensor{x})
	require.NoError(t, err)
	require.NotNil(t, out2)
	require.Len(t, m.roots[fid], 1, "second call records exactly one root node")
	recorded := m.roots[fid][0]

	// Bump the generation the way a host does at an iteration boundary, so
	// the recording path closes and the third call replays the root.
	gen.Bump()

	out3, err := m.Run(ctx, fid, []tensor.Tensor{x})
	require.NoError(t, err)
	require.NotNil(t, out3)
	require.Len(t, m.roots[fid], 1, "third call is a pure replay, no new node")
	assert.Same(t, recorded, m.currentNode)
}

// Scenario 2: two functions chained via output; the second one becomes
// cudagraph-managed on the second function's recording.
func TestManagerChainedFunctionsManagedInput(t *testing.T) {
	ctx := context.Background()
	m, _, _, gen := newTestManager(t)

	x := newFakeTensor(32, 8, 1)
	fFID := m.Install(incrementBy(1), []tensor.Tensor{x}, nil)

	y := newFakeTensor(48, 8, 0)
	gFID := m.Install(incrementBy(10), []tensor.Tensor{y}, nil)

	// warm up f, record f.
	_, err := m.Run(ctx, fFID, []tensor.Tensor{x})
	require.NoError(t, err)
	fOut, err := m.Run(ctx, fFID, []tensor.Tensor{x})
	require.NoError(t, err)
	fOutput := fOut[0].(*fakeTensor)
	require.NotNil(t, m.currentNode, "f's recording stays current")

	// warm up g, fed f's live output: this goes through the warmup path,
	// chained off f's still-active node, so it does not yet exercise
	// CheckInvariants.
	_, err = m.Run(ctx, gFID, []tensor.Tensor{fOutput})
	require.NoError(t, err)

	// fOutput is never dropped in this test, so g's warmup path can never
	// self-close on liveness alone; bump the generation the way a host
	// would at an iteration boundary, forcing the warmup to close and
	// resuming f's node as current.
	gen.Bump()

	// record g for real: now chained off f's node, fed f's live output
	// again, which must be classified cudagraph-managed.
	_, err = m.Run(ctx, gFID, []tensor.Tensor{fOutput})
	require.NoError(t, err)

	fNode := m.roots[fFID][0]
	require.Len(t, fNode.children[gFID], 1)
	gNode := fNode.children[gFID][0]

	_, isManaged := gNode.cudagraphManaged[0]
	assert.True(t, isManaged)
	assert.Equal(t, fOutput.Address(), gNode.staticInputAddresses[0])
}

// Scenario 4: a generation bump closes the active path even though its
// outputs are still live.
func TestManagerGenerationBumpClosesPath(t *testing.T) {
	ctx := context.Background()
	m, _, _, gen := newTestManager(t)

	x := newFakeTensor(64, 8, 1)
	fid := m.Install(incrementBy(1), []tensor.Tensor{x}, nil)

	_, err := m.Run(ctx, fid, []tensor.Tensor{x})
	require.NoError(t, err)
	out, err := m.Run(ctx, fid, []tensor.Tensor{x})
	require.NoError(t, err)
	require.NotNil(t, out)
	require.NotNil(t, m.currentNode)

	gen.Bump()

	// Any Run call opportunistically tries to close the stale path first.
	_, err = m.Run(ctx, fid, []tensor.Tensor{x})
	require.NoError(t, err)

	// The bump closed the old path before this call's own dispatch ran;
	// the dispatch then started again from the roots, so a path is active
	// again (here a replay of the recorded root), never stateNone.
	assert.NotEqual(t, stateNone, m.state)
}

func TestManagerZeroOutputNodeIsImmediatelyAllDead(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	noOutputs := func(ctx context.Context, dev graphdevice.Client, pool graphdevice.PoolID, device int, inputs []tensor.Tensor) ([]tensor.Tensor, error) {
		return nil, nil
	}
	x := newFakeTensor(80, 8, 1)
	fid := m.Install(noOutputs, []tensor.Tensor{x}, nil)

	_, err := m.Run(ctx, fid, []tensor.Tensor{x})
	require.NoError(t, err)
	_, err = m.Run(ctx, fid, []tensor.Tensor{x})
	require.NoError(t, err)

	node := m.roots[fid][0]
	assert.Empty(t, node.outputsWeakrefs)
	assert.Empty(t, node.liveIndicesAfter)
	assert.True(t, node.AllOutputsDead())
}

// Scenario 3: calling a second, unrelated function while a different
// function's recording is still current rebranches off it, checkpointing
// the pool back to that node's snapshot and attaching the new recording
// as its child instead of discarding it.
func TestManagerRebranchAppliesCheckpoint(t *testing.T) {
	ctx := context.Background()
	dev := graphdevice.NewFake()
	pool, err := dev.NewPool(ctx, 0)
	require.NoError(t, err)
	gen := &GenerationCounter{}
	m := NewManager(dev, fakeFactory, 0, pool, gen, WithSkipWarmup(true))

	x := newFakeTensor(96, 8, 1)
	fFID := m.Install(incrementBy(1), []tensor.Tensor{x}, nil)
	_, err = m.Run(ctx, fFID, []tensor.Tensor{x})
	require.NoError(t, err)
	fNode := m.currentNode
	require.NotNil(t, fNode, "skipping warmup records f on its very first call")
	require.Equal(t, stateRecording, m.state)

	before := m.Stats().DebugCheckpointingCount

	y := newFakeTensor(112, 8, 5)
	hFID := m.Install(incrementBy(2), []tensor.Tensor{y}, nil)
	_, err = m.Run(ctx, hFID, []tensor.Tensor{y})
	require.NoError(t, err)

	assert.Equal(t, before+1, m.Stats().DebugCheckpointingCount,
		"rebranching onto an unrelated function checkpoints the surviving path")
	require.Len(t, fNode.children[hFID], 1, "h is recorded as a child of f's still-live node")
	assert.Same(t, fNode.children[hFID][0], m.currentNode)
}

// Scenario 5: a replay candidate whose expected-dead position is
// unexpectedly still live must fail fatally rather than silently replay
// over memory the caller still considers in use.
func TestNodeCheckInvariantsLivenessViolation(t *testing.T) {
	ctx := context.Background()
	dev := graphdevice.NewFake()
	pool, err := dev.NewPool(ctx, 0)
	require.NoError(t, err)

	x := newFakeTensor(128, 8, 1)
	fWF := &WrappedFunction{ID: 1, Model: incrementBy(1)}
	fNode, err := newNode(ctx, dev, fakeFactory, 1, fWF, nil, pool, 0, []tensor.Tensor{x})
	require.NoError(t, err)
	fOut := fNode.retainedOutputs[0].(*fakeTensor)

	// g's model consumes f's live output and drops it during capture, the
	// way a real kernel frees an intermediate it no longer needs: this is
	// exactly what the construction algorithm records as expected-dead.
	gModel := func(ctx context.Context, dev graphdevice.Client, pool graphdevice.PoolID, device int, inputs []tensor.Tensor) ([]tensor.Tensor, error) {
		in := inputs[0].(*fakeTensor)
		in.Drop()
		addr, err := dev.Alloc(ctx, device, pool, 8)
		if err != nil {
			return nil, err
		}
		return []tensor.Tensor{newFakeTensor(addr, 8, in.value+1)}, nil
	}
	gWF := &WrappedFunction{ID: 2, Model: gModel}
	gNode, err := newNode(ctx, dev, fakeFactory, 2, gWF, fNode, pool, 0, []tensor.Tensor{fOut})
	require.NoError(t, err)
	require.NotEmpty(t, gNode.expectedDeadAfter, "f's output dying during g's own capture is recorded as an expectation")

	// Replay f: the first Run hands back the retained capture outputs, the
	// second rematerializes a fresh output at the same address, so the
	// position g expects dead is live again.
	_, err = fNode.Run(ctx, dev, fakeFactory, []tensor.Tensor{x})
	require.NoError(t, err)
	_, err = fNode.Run(ctx, dev, fakeFactory, []tensor.Tensor{x})
	require.NoError(t, err)

	matched, fatal := gNode.CheckInvariants([]tensor.Tensor{fOut})
	assert.True(t, matched, "the managed address still matches; only the post-drop liveness check fails")
	require.Error(t, fatal)
	assert.ErrorIs(t, fatal, ErrLivenessViolation)
}

func TestInstallDropsMisalignedStaticIndex(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	misaligned := newFakeTensor(17, 8, 0) // not 16-byte aligned
	fid := m.Install(incrementBy(1), []tensor.Tensor{misaligned}, map[int]struct{}{0: {}})
	wf := m.functions[fid]
	_, stillStatic := wf.DeclaredStatic[0]
	assert.False(t, stillStatic)
}
