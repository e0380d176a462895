package mem

import (
	"sync"
	"unsafe"
)

// heapBase keeps synthetic bus addresses away from zero so a cleared
// descriptor never aliases a valid region.
const heapBase = 0x1000

// HeapArena is an Allocator backed by ordinary Go allocations with synthetic,
// monotonically assigned device addresses. It is the allocator used by the
// simulated device and by tests; it also implements DMA so the simulator can
// resolve descriptor addresses back to CPU memory.
type HeapArena struct {
	mu      sync.Mutex
	next    DeviceAddress
	regions map[DeviceAddress][]byte

	allocs uint64
	frees  uint64
	failAt uint64 // fail the nth allocation when non-zero (test hook)
}

// NewHeapArena creates an empty arena.
func NewHeapArena() *HeapArena {
	return &HeapArena{
		next:    heapBase,
		regions: make(map[DeviceAddress][]byte),
	}
}

// FailAllocation makes the nth allocation (1-based) fail with ErrOutOfMemory.
// Used by tests to exercise partial-failure rollback.
func (a *HeapArena) FailAllocation(n uint64) {
	a.mu.Lock()
	a.failAt = n
	a.mu.Unlock()
}

// Alloc implements Allocator.
func (a *HeapArena) Alloc(size int) ([]byte, DeviceAddress, error) {
	if size <= 0 {
		return nil, 0, ErrBadAddress
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.allocs++
	if a.failAt != 0 && a.allocs == a.failAt {
		return nil, 0, ErrOutOfMemory
	}

	// Back the region with a uint32 slice so descriptor words are always
	// word aligned for the atomic accessors in hwio.
	words := make([]uint32, (size+3)/4)
	b := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	dev := a.next
	// Keep regions 16-byte aligned and non-adjacent.
	a.next += DeviceAddress((size + 31) &^ 15)
	a.regions[dev] = b

	return b, dev, nil
}

// Free implements Allocator. Freeing an unknown address is a no-op; the
// arena is the test bed for teardown paths and must not panic there.
func (a *HeapArena) Free(_ []byte, dev DeviceAddress, _ int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.regions[dev]; ok {
		delete(a.regions, dev)
		a.frees++
	}
}

// Slice implements DMA.
func (a *HeapArena) Slice(dev DeviceAddress, size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.regions[dev]
	if !ok || size < 0 || size > len(b) {
		return nil, ErrBadAddress
	}
	return b[:size], nil
}

// Live returns the number of regions currently allocated.
func (a *HeapArena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.regions)
}
