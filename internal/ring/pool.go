package ring

import (
	"fmt"

	"github.com/dkrolls/go-nicring/internal/mem"
)

// BufferPool owns one fixed-size data buffer per descriptor slot, allocated
// up front and never resized. Buffer lifetime equals the owning ring's
// lifetime.
type BufferPool struct {
	alloc    mem.Allocator
	bufSize  int
	cpu      [][]byte
	dev      []mem.DeviceAddress
	released bool
}

// NewBufferPool allocates count buffers of size bytes each. A failure part
// way through rolls back every buffer already allocated before the error is
// propagated; a partial pool is never exposed.
func NewBufferPool(alloc mem.Allocator, count, size int) (*BufferPool, error) {
	p := &BufferPool{
		alloc:   alloc,
		bufSize: size,
		cpu:     make([][]byte, count),
		dev:     make([]mem.DeviceAddress, count),
	}

	for i := 0; i < count; i++ {
		b, dev, err := alloc.Alloc(size)
		if err != nil {
			// Unwind in reverse order, mirroring allocation.
			for j := i - 1; j >= 0; j-- {
				alloc.Free(p.cpu[j], p.dev[j], size)
			}
			return nil, fmt.Errorf("ring: buffer %d of %d: %w", i, count, err)
		}
		p.cpu[i] = b
		p.dev[i] = dev
	}

	return p, nil
}

// Buffer returns the CPU handle and device address for a slot. O(1); valid
// only while the pool is alive.
func (p *BufferPool) Buffer(slot int) ([]byte, mem.DeviceAddress) {
	return p.cpu[slot], p.dev[slot]
}

// BufferSize returns the fixed per-slot buffer size.
func (p *BufferPool) BufferSize() int {
	return p.bufSize
}

// Release frees all buffers. It must be called exactly once, after the
// owning ring is fully torn down; further calls are no-ops.
func (p *BufferPool) Release() {
	if p.released {
		return
	}
	p.released = true

	for i := range p.cpu {
		p.alloc.Free(p.cpu[i], p.dev[i], p.bufSize)
		p.cpu[i] = nil
	}
}
