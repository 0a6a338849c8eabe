package tensor

// Simple is a minimal concrete Tensor backed by nothing but an address
// and its metadata: no byte-level storage of its own, since nothing in
// this codebase ever reads tensor contents. It exists for cudagraphtreesd's
// self-check workload and for tests; a real host embeds its own Tensor
// wrapping whatever device buffer its tensor library allocated, and would
// drop its handle's liveness from its own allocator's free path rather
// than an explicit Drop call.
type Simple struct {
	addr   Address
	meta   Metadata
	alive  *bool
	handle *StorageHandle
}

// NewSimple builds a Simple tensor at addr, live until Drop is called.
func NewSimple(addr Address, meta Metadata) *Simple {
	alive := true
	return &Simple{
		addr:   addr,
		meta:   meta,
		alive:  &alive,
		handle: NewStorageHandle(addr, func() bool { return alive }),
	}
}

func (s *Simple) Address() Address       { return s.addr }
func (s *Simple) Metadata() Metadata     { return s.meta }
func (s *Simple) Handle() *StorageHandle { return s.handle }

func (s *Simple) CopyFrom(Tensor, []int) error { return nil }

// Drop marks this tensor's storage as freed.
func (s *Simple) Drop() { *s.alive = false }
