// Package ring implements the DMA descriptor ring: a fixed-capacity circular
// array of descriptors in device-visible memory, with the head/tail/count
// bookkeeping and ownership handoff shared between the transmit path and the
// interrupt service path.
package ring

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkrolls/go-nicring/internal/hwio"
	"github.com/dkrolls/go-nicring/internal/mem"
)

// ErrFull is returned by ClaimSlot when every descriptor is owned by
// hardware. Callers apply backpressure: retry, queue or drop.
var ErrFull = errors.New("ring: full")

// Ring owns a descriptor array in device-visible memory plus a parallel
// buffer pool, one buffer per slot.
//
// Invariants: 0 <= count <= capacity and tail+count == head (mod capacity).
// All mutation of head, tail, count and descriptor fields happens under the
// ring lock; Ring implements sync.Locker so the producer's wait condition
// can share the same lock. In the original driver this lock is an irqsave
// spinlock; producer and interrupt service here are goroutines, so a single
// mutex covers both acquisition paths.
type Ring struct {
	mu       sync.Mutex
	name     string
	capacity int

	alloc    mem.Allocator
	descMem  []byte
	descAddr mem.DeviceAddress
	pool     *BufferPool

	head  int // next slot to produce into
	tail  int // next slot to reclaim
	count int // slots currently owned by hardware

	overflows atomic.Uint64
	underruns atomic.Uint64

	released bool
}

// New allocates the descriptor array and the per-slot buffer pool. Any
// failure rolls back everything already acquired.
func New(name string, alloc mem.Allocator, capacity, bufSize int) (*Ring, error) {
	if capacity <= 0 || bufSize <= 0 {
		return nil, fmt.Errorf("ring %s: bad geometry capacity=%d bufSize=%d", name, capacity, bufSize)
	}

	descMem, descAddr, err := alloc.Alloc(capacity * hwio.DescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("ring %s: descriptor array: %w", name, err)
	}

	pool, err := NewBufferPool(alloc, capacity, bufSize)
	if err != nil {
		alloc.Free(descMem, descAddr, capacity*hwio.DescriptorSize)
		return nil, fmt.Errorf("ring %s: %w", name, err)
	}

	r := &Ring{
		name:     name,
		capacity: capacity,
		alloc:    alloc,
		descMem:  descMem,
		descAddr: descAddr,
		pool:     pool,
	}

	// Every slot starts software-owned with its buffer pre-wired, the way
	// the reference driver initializes its descriptor array.
	for i := 0; i < capacity; i++ {
		_, dev := pool.Buffer(i)
		hwio.WriteDescriptor(hwio.DescSlice(descMem, i), hwio.Descriptor{
			BufferAddr: uint32(dev),
			Length:     uint32(bufSize),
			Status:     0,
			Control:    hwio.CtrlOwnerSW,
		})
	}

	return r, nil
}

// Lock acquires the ring lock.
func (r *Ring) Lock() { r.mu.Lock() }

// Unlock releases the ring lock.
func (r *Ring) Unlock() { r.mu.Unlock() }

// Name returns the ring's diagnostic name ("tx", "rx").
func (r *Ring) Name() string { return r.name }

// Capacity returns the fixed number of descriptor slots.
func (r *Ring) Capacity() int { return r.capacity }

// BaseAddress returns the device address of the descriptor array, programmed
// into the ring base register during bring-up.
func (r *Ring) BaseAddress() mem.DeviceAddress { return r.descAddr }

// Buffer returns the CPU handle and device address of a slot's data buffer.
func (r *Ring) Buffer(slot int) ([]byte, mem.DeviceAddress) {
	return r.pool.Buffer(slot)
}

// BufferSize returns the fixed per-slot buffer size.
func (r *Ring) BufferSize() int { return r.pool.BufferSize() }

// Count returns the number of hardware-owned slots. Caller must hold the
// ring lock.
func (r *Ring) Count() int { return r.count }

// Head returns the next production slot. Caller must hold the ring lock.
func (r *Ring) Head() int { return r.head }

// Tail returns the next reclaim slot. Caller must hold the ring lock.
func (r *Ring) Tail() int { return r.tail }

// ClaimSlot returns the current head slot if the ring has room, without
// advancing head; the slot is exposed to hardware only by Publish, so a
// half-written descriptor is never visible as valid. Returns ErrFull when
// saturated and records the overflow. Caller must hold the ring lock.
func (r *Ring) ClaimSlot() (int, error) {
	if r.count >= r.capacity {
		r.overflows.Add(1)
		return -1, ErrFull
	}
	return r.head, nil
}

// Publish writes the claimed slot's descriptor and hands ownership to
// hardware. Payload fields land first, then a write barrier, then the
// control word with the ownership bit - the single publication point.
// Caller must hold the ring lock.
func (r *Ring) Publish(slot int, addr mem.DeviceAddress, length uint32, interruptRequested bool) {
	b := hwio.DescSlice(r.descMem, slot)

	hwio.WritePayload(b, uint32(addr), length, 0)
	Wmb()

	control := hwio.CtrlOwnerHW
	if interruptRequested {
		control |= hwio.CtrlIntrEnable
	}
	hwio.WriteControl(b, control)

	r.head = (r.head + 1) % r.capacity
	r.count++
}

// ReclaimReady scans from tail while the descriptor there carries the
// device-completion bit, returning each slot to software ownership in
// submission order and invoking fn with the slot index and the descriptor as
// hardware last wrote it. It stops at the first non-completed descriptor and
// never reclaims out of order. The sequence is consumed entirely within one
// invocation and does not block. Caller must hold the ring lock; fn runs
// under it.
func (r *Ring) ReclaimReady(fn func(slot int, desc hwio.Descriptor)) int {
	reclaimed := 0

	for r.count > 0 {
		b := hwio.DescSlice(r.descMem, r.tail)
		if hwio.ReadStatus(b)&hwio.StatusDone == 0 {
			break
		}
		// Completion bit observed; fence before reading the other fields.
		Rmb()
		desc := hwio.ReadDescriptor(b)

		// Hardware -> Software handoff. Status is cleared so the slot is
		// indistinguishable from fresh on its next claim/publish cycle.
		hwio.WriteStatus(b, 0)
		hwio.WriteControl(b, hwio.CtrlOwnerSW)

		if fn != nil {
			fn(r.tail, desc)
		}

		r.tail = (r.tail + 1) % r.capacity
		r.count--
		reclaimed++
	}

	return reclaimed
}

// OwnerOf reports whether the slot's descriptor is currently owned by
// hardware. Caller must hold the ring lock.
func (r *Ring) OwnerOf(slot int) bool {
	return hwio.ReadControl(hwio.DescSlice(r.descMem, slot))&hwio.CtrlOwnerHW != 0
}

// NoteUnderrun records a completion interrupt that found nothing to reclaim.
func (r *Ring) NoteUnderrun() { r.underruns.Add(1) }

// Overflows returns the monotonically increasing overflow count. Never reset
// except at ring re-construction.
func (r *Ring) Overflows() uint64 { return r.overflows.Load() }

// Underruns returns the monotonically increasing underrun count.
func (r *Ring) Underruns() uint64 { return r.underruns.Load() }

// ForceReset abandons all hardware-owned slots, returning every descriptor
// to software ownership. Teardown escape hatch only: callers must have
// disabled the device engine and interrupt source first. Caller must hold
// the ring lock.
func (r *Ring) ForceReset() {
	for r.count > 0 {
		b := hwio.DescSlice(r.descMem, r.tail)
		hwio.WriteStatus(b, 0)
		hwio.WriteControl(b, hwio.CtrlOwnerSW)
		r.tail = (r.tail + 1) % r.capacity
		r.count--
	}
}

// Release frees the descriptor array and the buffer pool. Must only be
// called once, with count == 0, after the device engine and interrupt source
// are disabled.
func (r *Ring) Release() {
	if r.released {
		return
	}
	r.released = true

	r.pool.Release()
	r.alloc.Free(r.descMem, r.descAddr, r.capacity*hwio.DescriptorSize)
	r.descMem = nil
}
