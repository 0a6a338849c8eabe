package graphdevice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeCaptureReplayRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	pool, err := f.NewPool(ctx, 0)
	require.NoError(t, err)

	graph, err := f.CaptureBegin(ctx, 0, pool)
	require.NoError(t, err)

	addr, err := f.Alloc(ctx, 0, pool, 256)
	require.NoError(t, err)
	assert.NotZero(t, addr)

	require.NoError(t, f.CaptureEnd(ctx, 0, graph))
	require.NoError(t, f.Replay(ctx, graph))

	err = f.Replay(ctx, graph+1)
	assert.Error(t, err, "replaying an unknown graph must fail")
}

func TestFakeSnapshotRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	pool, _ := f.NewPool(ctx, 0)

	a1, _ := f.Alloc(ctx, 0, pool, 8)
	a2, _ := f.Alloc(ctx, 0, pool, 16)
	state, err := f.Snapshot(ctx, 0, pool)
	require.NoError(t, err)

	a3, _ := f.Alloc(ctx, 0, pool, 32)
	assert.Len(t, f.LiveAddresses(), 3)

	require.NoError(t, f.Restore(ctx, 0, state, nil, []uint64{a1, a2}))
	live := f.LiveAddresses()
	assert.Len(t, live, 2)
	assert.Contains(t, live, a1)
	assert.Contains(t, live, a2)
	assert.NotContains(t, live, a3)
}

func TestFakeDoubleCaptureRejected(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	pool, _ := f.NewPool(ctx, 0)
	_, err := f.CaptureBegin(ctx, 0, pool)
	require.NoError(t, err)
	_, err = f.CaptureBegin(ctx, 0, pool)
	assert.Error(t, err)
}
