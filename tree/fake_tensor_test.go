package tree

import (
	"context"

	"github.com/nicolagi/cudagraphtrees/graphdevice"
	"github.com/nicolagi/cudagraphtrees/tensor"
)

// fakeTensor is the minimal tensor.Tensor used across this package's
// tests: a device address, a cached weak handle, and an integer payload
// standing in for real tensor contents (this package never looks at
// bytes, only addresses and liveness, so a single int is enough to
// exercise CopyFrom).
type fakeTensor struct {
	addr   tensor.Address
	size   uint64
	alive  *bool
	handle *tensor.StorageHandle
	value  int
}

func newFakeTensor(addr uint64, size uint64, value int) *fakeTensor {
	alive := true
	a := tensor.Address(addr)
	return &fakeTensor{
		addr:   a,
		size:   size,
		alive:  &alive,
		handle: tensor.NewStorageHandle(a, func() bool { return alive }),
		value:  value,
	}
}

func (t *fakeTensor) Address() tensor.Address { return t.addr }

func (t *fakeTensor) Metadata() tensor.Metadata {
	return tensor.Metadata{Size: t.size, Addr: t.addr}
}

func (t *fakeTensor) Handle() *tensor.StorageHandle { return t.handle }

func (t *fakeTensor) CopyFrom(src tensor.Tensor, skipDims []int) error {
	if s, ok := src.(*fakeTensor); ok {
		t.value = s.value
	}
	return nil
}

// Drop marks the tensor's storage as freed, for liveness tests.
func (t *fakeTensor) Drop() { *t.alive = false }

func fakeFactory(ctx context.Context, dev graphdevice.Client, device int, meta tensor.Metadata) (tensor.Tensor, error) {
	storage, err := dev.ConstructStorage(ctx, device, uint64(meta.Addr), meta.Size)
	if err != nil {
		return nil, err
	}
	return newFakeTensor(storage.Address, meta.Size, 0), nil
}
