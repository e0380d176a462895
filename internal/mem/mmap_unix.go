//go:build unix

package mem

import (
	"sync"

	"golang.org/x/sys/unix"
)

// mmapBase is where synthetic bus addresses for mmap regions start. They
// stay within 32 bits so they fit the descriptor's buffer_addr field, the
// way an IOMMU hands out IOVAs rather than raw virtual addresses.
const mmapBase = 0x10_0000

// MmapArena is an Allocator backed by anonymous mmap regions with synthetic
// 32-bit bus addresses, stable for the mapping's lifetime - the model a real
// driver gets from a coherent DMA allocator behind an IOMMU. Implements DMA
// for in-process device models.
type MmapArena struct {
	mu      sync.Mutex
	next    DeviceAddress
	regions map[DeviceAddress][]byte
}

// NewMmapArena creates an empty arena.
func NewMmapArena() *MmapArena {
	return &MmapArena{
		next:    mmapBase,
		regions: make(map[DeviceAddress][]byte),
	}
}

// Alloc maps an anonymous read-write region of at least size bytes.
func (a *MmapArena) Alloc(size int) ([]byte, DeviceAddress, error) {
	if size <= 0 {
		return nil, 0, ErrBadAddress
	}

	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, 0, ErrOutOfMemory
	}

	a.mu.Lock()
	dev := a.next
	a.next += DeviceAddress((size + 4095) &^ 4095)
	a.regions[dev] = b
	a.mu.Unlock()

	return b[:size], dev, nil
}

// Free unmaps the region. The full mapping (possibly page-rounded) is
// released, not just the caller-visible prefix.
func (a *MmapArena) Free(_ []byte, dev DeviceAddress, _ int) {
	a.mu.Lock()
	b, ok := a.regions[dev]
	if ok {
		delete(a.regions, dev)
	}
	a.mu.Unlock()

	if ok {
		_ = unix.Munmap(b)
	}
}

// Slice implements DMA.
func (a *MmapArena) Slice(dev DeviceAddress, size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.regions[dev]
	if !ok || size < 0 || size > len(b) {
		return nil, ErrBadAddress
	}
	return b[:size], nil
}
