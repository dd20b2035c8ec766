package rambomb

import (
	"math/rand/v2"
	"slices"
)

const (
	// ChunkSize is the default growth step in bytes
	ChunkSize = 1 << 20

	// elemSize is the size of one buffer element in bytes
	elemSize = 4
)

// Buffer is a contiguous run of random values that only ever grows
type Buffer struct {
	data []uint32
}

// Grow extends the buffer by n elements and fills each new slot with a
// pseudo-random value
func (b *Buffer) Grow(n int, rng *rand.Rand) {
	start := len(b.data)
	b.data = slices.Grow(b.data, n)[:start+n]
	for i := start; i < len(b.data); i++ {
		b.data[i] = rng.Uint32()
	}
}

// Len returns the number of elements
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the buffer length in bytes
func (b *Buffer) Bytes() int64 {
	return int64(len(b.data)) * elemSize
}

// Sample returns one uniformly chosen element. The buffer must not be empty.
func (b *Buffer) Sample(rng *rand.Rand) uint32 {
	return b.data[rng.IntN(len(b.data))]
}
