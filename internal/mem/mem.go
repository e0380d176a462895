// Package mem provides the buffer allocation collaborator: memory that is
// visible both to the CPU (as a byte slice) and to the device (as a stable
// bus address for the object's lifetime).
package mem

import "errors"

// DeviceAddress is a device-visible bus address.
type DeviceAddress uint64

// Allocator hands out regions with a CPU handle and a device address. The
// device address must remain stable until Free.
type Allocator interface {
	Alloc(size int) ([]byte, DeviceAddress, error)
	Free(cpu []byte, dev DeviceAddress, size int)
}

// DMA resolves a device address back to CPU-visible memory. A device model
// uses it to master the bus the way real hardware uses an IOMMU mapping.
type DMA interface {
	Slice(dev DeviceAddress, size int) ([]byte, error)
}

var (
	// ErrOutOfMemory is returned when the backing allocation fails.
	ErrOutOfMemory = errors.New("mem: out of memory")
	// ErrBadAddress is returned by Slice for an address that was never
	// handed out, or a size extending past its region.
	ErrBadAddress = errors.New("mem: address not mapped")
)
