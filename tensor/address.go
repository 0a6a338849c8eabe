// Package tensor holds the value types that describe GPU tensors and the
// storage they live in, independently of any particular recording or
// replay. Nothing in this package talks to a device.
package tensor

import "fmt"

// Address is a raw device pointer, as observed at some instant. Unlike a
// Go pointer, an Address stays readable after the memory it names has
// been freed: it is only ever used for identity comparisons against
// values captured earlier, never dereferenced directly.
type Address uint64

// Nil is the address of no allocation.
const Nil Address = 0

func (a Address) String() string {
	if a == Nil {
		return "nil"
	}
	return fmt.Sprintf("0x%x", uint64(a))
}

// Aligned reports whether a is usable as a CUDA-graph static input, i.e.
// aligned to the allocator's minimum block alignment.
func (a Address) Aligned(boundary uint64) bool {
	return uint64(a)%boundary == 0
}
