// Package hwio defines the hardware-facing ABI of the DMA engine: the
// descriptor record layout, the register file, and the collaborator
// interfaces used to reach real or simulated hardware.
//
// Descriptor words are accessed with sync/atomic so the device model and the
// driver synchronize on the ownership and status bits the way the real
// hardware contract requires. The record layout matches the device's
// little-endian ABI on little-endian hosts, which this module targets.
package hwio

import (
	"sync/atomic"
	"unsafe"
)

// Descriptor must match the device's expected layout exactly (16 bytes,
// four little-endian 32-bit words):
//
//	struct dma_descriptor {
//	  __le32 buffer_addr;  // device-visible address of the data buffer
//	  __le32 length;       // buffer length in bytes
//	  __le32 status;       // written by hardware while it owns the slot
//	  __le32 control;      // ownership + interrupt-enable, written by software
//	};
type Descriptor struct {
	BufferAddr uint32 // device-visible address of data buffer
	Length     uint32 // buffer length
	Status     uint32 // descriptor status bits
	Control    uint32 // control flags
}

// DescriptorSize is the on-bus size of one descriptor.
const DescriptorSize = 16

// Compile-time size check - the in-memory struct must match the bus layout.
var _ [DescriptorSize]byte = [unsafe.Sizeof(Descriptor{})]byte{}

// Control field flags. The ownership bit is the publication point: hardware
// may write status only while CtrlOwnerHW is set, software may write
// address/length/control only while it is clear.
const (
	CtrlOwnerHW    = uint32(1) << 31 // descriptor owned by hardware
	CtrlOwnerSW    = uint32(0)       // descriptor owned by software
	CtrlIntrEnable = uint32(1) << 30 // raise an interrupt on completion
)

// Status field flags, written by hardware.
const (
	StatusDone = uint32(1) << 0 // transfer completed
)

// Field byte offsets within a descriptor.
const (
	descAddrOffset    = 0
	descLengthOffset  = 4
	descStatusOffset  = 8
	descControlOffset = 12
)

// word returns the aligned 32-bit word at off. Descriptor memory comes from
// the allocators in internal/mem, which guarantee word alignment.
func word(b []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[off]))
}

// OwnedByHardware reports whether the ownership bit is set.
func (d Descriptor) OwnedByHardware() bool {
	return d.Control&CtrlOwnerHW != 0
}

// Done reports whether hardware has marked the transfer complete.
func (d Descriptor) Done() bool {
	return d.Status&StatusDone != 0
}

// DescSlice returns the 16-byte window of slot within a descriptor array.
// It panics on an out-of-range slot; callers validate indices first.
func DescSlice(mem []byte, slot int) []byte {
	off := slot * DescriptorSize
	return mem[off : off+DescriptorSize]
}

// ReadDescriptor decodes a full descriptor from bus memory.
func ReadDescriptor(b []byte) Descriptor {
	return Descriptor{
		BufferAddr: atomic.LoadUint32(word(b, descAddrOffset)),
		Length:     atomic.LoadUint32(word(b, descLengthOffset)),
		Status:     atomic.LoadUint32(word(b, descStatusOffset)),
		Control:    atomic.LoadUint32(word(b, descControlOffset)),
	}
}

// WriteDescriptor encodes all four fields. Publication paths must not use
// this for the control word; they write payload fields first, fence, then
// WriteControl, so a half-written descriptor is never exposed as valid.
func WriteDescriptor(b []byte, d Descriptor) {
	atomic.StoreUint32(word(b, descAddrOffset), d.BufferAddr)
	atomic.StoreUint32(word(b, descLengthOffset), d.Length)
	atomic.StoreUint32(word(b, descStatusOffset), d.Status)
	atomic.StoreUint32(word(b, descControlOffset), d.Control)
}

// WritePayload encodes address, length and status, leaving control untouched.
func WritePayload(b []byte, addr, length, status uint32) {
	atomic.StoreUint32(word(b, descAddrOffset), addr)
	atomic.StoreUint32(word(b, descLengthOffset), length)
	atomic.StoreUint32(word(b, descStatusOffset), status)
}

// ReadStatus decodes only the status word.
func ReadStatus(b []byte) uint32 {
	return atomic.LoadUint32(word(b, descStatusOffset))
}

// WriteStatus encodes only the status word. Used by the device side.
func WriteStatus(b []byte, status uint32) {
	atomic.StoreUint32(word(b, descStatusOffset), status)
}

// ReadLength decodes only the length word.
func ReadLength(b []byte) uint32 {
	return atomic.LoadUint32(word(b, descLengthOffset))
}

// WriteLength encodes only the length word. The device rewrites it on RX
// completion with the received frame length.
func WriteLength(b []byte, length uint32) {
	atomic.StoreUint32(word(b, descLengthOffset), length)
}

// ReadControl decodes only the control word.
func ReadControl(b []byte) uint32 {
	return atomic.LoadUint32(word(b, descControlOffset))
}

// WriteControl encodes only the control word. This is the ownership handoff.
func WriteControl(b []byte, control uint32) {
	atomic.StoreUint32(word(b, descControlOffset), control)
}
