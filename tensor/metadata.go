package tensor

import "fmt"

// DType is a stand-in for the element type of a tensor. The value itself
// is opaque to this package; it is only ever compared for equality and
// carried along so a view can be rematerialized.
type DType uint8

// Metadata describes everything needed to rematerialize a tensor view
// over a storage once the original Go value holding it is gone. It is
// immutable once captured: RecordedNode fills one in at recording time
// and never mutates it afterwards.
type Metadata struct {
	Size          uint64
	Addr          Address
	Shape         []int64
	Stride        []int64
	DType         DType
	Device        int
	StorageOffset int64
}

// ExpandedDims returns the indices of dimensions that are broadcast via a
// stride of zero. Replay skips copying these axes, since every element in
// them aliases the same underlying byte range.
func (m Metadata) ExpandedDims() []int {
	var dims []int
	for i, s := range m.Stride {
		if s == 0 && m.Shape[i] > 1 {
			dims = append(dims, i)
		}
	}
	return dims
}

// PathIndex addresses a single output slot of a single ancestor on a
// path through the tree: Depth counts from the root (root is 0), Slot
// indexes into that ancestor's outputs.
type PathIndex struct {
	Depth int
	Slot  int
}

func (p PathIndex) String() string {
	return fmt.Sprintf("(%d,%d)", p.Depth, p.Slot)
}
