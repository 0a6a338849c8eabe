package tensor

// Tensor is the minimal contract the tree package needs from whatever
// real tensor/storage representation the embedding host uses. The host
// is responsible for actually moving bytes on the device; this package
// never touches memory itself, only addresses and metadata. The compiled
// model and its tensor library are external collaborators, out of scope
// for this system.
type Tensor interface {
	// Address is the raw device pointer backing this tensor's storage.
	Address() Address

	// Metadata describes this tensor well enough to rematerialize a view
	// over its storage later, after the original value is gone.
	Metadata() Metadata

	// Handle returns a weak reference to this tensor's storage, used to
	// track liveness across calls without keeping the storage alive.
	Handle() *StorageHandle

	// CopyFrom copies src's contents into this tensor's storage,
	// skipping the axes listed in skipDims (broadcast axes, which
	// already contain the same value at every position).
	CopyFrom(src Tensor, skipDims []int) error
}
