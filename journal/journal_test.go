package journal

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicolagi/cudagraphtrees/graphdevice"
	"github.com/nicolagi/cudagraphtrees/storage"
	"github.com/nicolagi/cudagraphtrees/tensor"
	"github.com/nicolagi/cudagraphtrees/tree"
)

func fakeFactory(ctx context.Context, dev graphdevice.Client, device int, meta tensor.Metadata) (tensor.Tensor, error) {
	return nil, nil
}

func TestRecordSessionWritesGzippedDump(t *testing.T) {
	dev := graphdevice.NewFake()
	pool, err := dev.NewPool(context.Background(), 0)
	require.NoError(t, err)
	gen := &tree.GenerationCounter{}
	m := tree.NewManager(dev, fakeFactory, 0, pool, gen)

	store := storage.NewInMemory()
	j := New(store)
	require.NoError(t, j.RecordSession("session-1", m))

	raw, err := store.Get(storage.Key("session-1"))
	require.NoError(t, err)

	r, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	decompressed, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Contains(t, string(decompressed), "root_count=0")
}

func TestRecordSessionToNullStoreSucceeds(t *testing.T) {
	dev := graphdevice.NewFake()
	pool, err := dev.NewPool(context.Background(), 0)
	require.NoError(t, err)
	gen := &tree.GenerationCounter{}
	m := tree.NewManager(dev, fakeFactory, 0, pool, gen)

	j := New(storage.NullStore{})
	assert.NoError(t, j.RecordSession("session-2", m))
}
