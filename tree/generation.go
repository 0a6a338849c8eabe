package tree

import "sync/atomic"

// GenerationCounter is the embedding host's sole abstract cancellation
// lever over already-recorded paths: bumping it declares that whatever
// path is currently active is no longer needed, letting the manager tear
// it down and free its live weak references proactively rather than
// waiting for them to die naturally.
type GenerationCounter struct {
	v uint64
}

// Value returns the current generation.
func (g *GenerationCounter) Value() uint64 {
	return atomic.LoadUint64(&g.v)
}

// Bump advances the generation by one.
func (g *GenerationCounter) Bump() uint64 {
	return atomic.AddUint64(&g.v, 1)
}
