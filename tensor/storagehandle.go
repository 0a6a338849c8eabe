package tensor

// Resolver is satisfied by whatever live tensor/storage representation
// the embedding host uses. It reports whether the storage it was built
// from is still allocated. Hosts typically close over a flag cleared by
// a runtime finalizer, or a reference-counted handle; this package never constructs one
// itself, it only holds on to one.
type Resolver func() bool

// StorageHandle is a weak reference to a tensor's underlying storage: it
// answers "is this still alive" cheaply, and remembers the address the
// storage had at construction time even after the storage is gone.
//
// Once IsLive observes that the storage has died, the handle forgets its
// resolver and keeps answering false: liveness is monotonic, it never
// flips from dead back to live.
type StorageHandle struct {
	addr     Address
	resolve  Resolver
	wasAlive bool
	everSeen bool
}

// NewStorageHandle builds a handle for a live tensor, given its address
// at construction time and a resolver that keeps reporting whether the
// original storage is still allocated.
func NewStorageHandle(addr Address, resolve Resolver) *StorageHandle {
	return &StorageHandle{addr: addr, resolve: resolve}
}

// IsLive reports whether the storage this handle points to is still
// allocated. It is monotonic: once it returns false, it returns false
// forever, regardless of what the underlying resolver would now say (the
// address might have been reused by an unrelated allocation by then).
func (h *StorageHandle) IsLive() bool {
	if h == nil {
		return false
	}
	if h.everSeen && !h.wasAlive {
		return false
	}
	h.everSeen = true
	h.wasAlive = h.resolve != nil && h.resolve()
	if !h.wasAlive {
		h.resolve = nil
	}
	return h.wasAlive
}

// Address returns the address cached at construction time, regardless of
// whether the storage is still live. This is intentional: callers need
// the address for identity checks (e.g. did this input's address match
// what we recorded?) even after the underlying allocation is gone.
func (h *StorageHandle) Address() Address {
	if h == nil {
		return Nil
	}
	return h.addr
}
