package nicring

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkrolls/go-nicring/internal/hwio"
	"github.com/dkrolls/go-nicring/internal/logging"
	"github.com/dkrolls/go-nicring/internal/ring"
)

// State is a device lifecycle state. Transitions are strictly forward:
// Uninitialized -> RingsAllocated -> InterruptsArmed -> Started -> Stopped
// -> TornDown. A failed forward transition unwinds everything acquired so
// far, in reverse order.
type State int32

const (
	StateUninitialized State = iota
	StateRingsAllocated
	StateInterruptsArmed
	StateStarted
	StateStopped
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRingsAllocated:
		return "rings-allocated"
	case StateInterruptsArmed:
		return "interrupts-armed"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateTornDown:
		return "torn-down"
	default:
		return "unknown"
	}
}

// Device drives a pair of DMA descriptor rings (TX, RX) over the hardware
// collaborators. The transmit path and the interrupt-service path operate
// concurrently on the TX ring; the RX ring's consumer side is driven by the
// interrupt-service path alone.
//
// A Device is single-producer: concurrent Transmit calls must be serialized
// by the caller, since a claimed slot is not visible to a second producer
// until publication.
type Device struct {
	cfg   Config
	alloc Allocator
	regs  RegisterIO
	irq   InterruptLine

	log     *logging.Logger
	metrics *Metrics

	// stateMu serializes lifecycle transitions; state itself is atomic so
	// the transmit hot path can check it without taking the mutex.
	stateMu sync.Mutex
	state   atomic.Int32

	tx *ring.Ring
	rx *ring.Ring

	// txSpace is signalled after a TX reclaim frees slots, and on Stop so
	// parked producers can observe the state change. It shares the TX ring
	// lock.
	txSpace *sync.Cond

	irqHandle     InterruptHandle
	irqRegistered bool
}

// NewDevice creates a device in the Uninitialized state.
func NewDevice(cfg Config, alloc Allocator, regs RegisterIO, irq InterruptLine) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, WrapError("NEW_DEVICE", ErrCodeInvalidArgument, err)
	}

	return &Device{
		cfg:     cfg,
		alloc:   alloc,
		regs:    regs,
		irq:     irq,
		log:     logging.Default().WithDevice(cfg.Name),
		metrics: NewMetrics(),
	}, nil
}

// State returns the current lifecycle state.
func (d *Device) State() State {
	return State(d.state.Load())
}

// Metrics returns the device's metrics.
func (d *Device) Metrics() *Metrics {
	return d.metrics
}

// Stats returns a metrics snapshot including per-ring diagnostics.
func (d *Device) Stats() Snapshot {
	snap := d.metrics.Snapshot()
	if d.tx != nil {
		snap.TxOverflows = d.tx.Overflows()
		snap.TxUnderruns = d.tx.Underruns()
	}
	if d.rx != nil {
		snap.RxUnderruns = d.rx.Underruns()
	}
	return snap
}

func (d *Device) requireState(op string, want State) error {
	if got := d.State(); got != want {
		return NewError(op, ErrCodeDeviceState,
			"device is "+got.String()+", want "+want.String())
	}
	return nil
}

// AllocateRings builds both descriptor rings and programs their base
// addresses into the device. On any failure everything already allocated is
// released before the error is returned.
func (d *Device) AllocateRings() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if err := d.requireState("ALLOC_RINGS", StateUninitialized); err != nil {
		return err
	}

	tx, err := ring.New("tx", d.alloc, d.cfg.TxCapacity, d.cfg.MaxFrameSize)
	if err != nil {
		return WrapError("ALLOC_RINGS", ErrCodeAllocationFailure, err)
	}

	rx, err := ring.New("rx", d.alloc, d.cfg.RxCapacity, d.cfg.MaxFrameSize)
	if err != nil {
		tx.Release()
		return WrapError("ALLOC_RINGS", ErrCodeAllocationFailure, err)
	}

	d.tx = tx
	d.rx = rx
	d.txSpace = sync.NewCond(tx)

	d.regs.Write32(hwio.RegTxRingBase, uint32(tx.BaseAddress()))
	d.regs.Write32(hwio.RegRxRingBase, uint32(rx.BaseAddress()))

	d.state.Store(int32(StateRingsAllocated))
	d.log.Info("rings allocated",
		"tx_capacity", d.cfg.TxCapacity,
		"rx_capacity", d.cfg.RxCapacity,
		"buf_size", d.cfg.MaxFrameSize)
	return nil
}

// ArmInterrupts registers the interrupt handler and enables both interrupt
// sources. Registration failure unwinds the ring allocation.
func (d *Device) ArmInterrupts() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if err := d.requireState("ARM_IRQ", StateRingsAllocated); err != nil {
		return err
	}

	handle, err := d.irq.Register(d.serviceInterrupt, d.cfg.ShareableInterrupt)
	if err != nil {
		d.releaseRingsLocked()
		d.state.Store(int32(StateUninitialized))
		return WrapError("ARM_IRQ", ErrCodeInterruptLine, err)
	}
	d.irqHandle = handle
	d.irqRegistered = true

	d.regs.Write32(hwio.RegIntEnable, hwio.IntTx|hwio.IntRx)

	d.state.Store(int32(StateInterruptsArmed))
	d.log.Info("interrupts armed", "shareable", d.cfg.ShareableInterrupt)
	return nil
}

// Start primes the RX ring (every slot published to hardware) and enables
// the device engine.
func (d *Device) Start() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if err := d.requireState("START", StateInterruptsArmed); err != nil {
		return err
	}

	d.rx.Lock()
	for i := 0; i < d.rx.Capacity(); i++ {
		slot, err := d.rx.ClaimSlot()
		if err != nil {
			break
		}
		_, dev := d.rx.Buffer(slot)
		d.rx.Publish(slot, dev, uint32(d.rx.BufferSize()), true)
		d.regs.Write32(hwio.RegRxDoorbell, uint32(slot))
	}
	d.rx.Unlock()

	d.regs.Write32(hwio.RegMacControl, hwio.MacEnable)

	d.metrics.StartTime.Store(time.Now().UnixNano())
	d.state.Store(int32(StateStarted))
	d.log.Info("device started")
	return nil
}

// Up is a convenience that walks Uninitialized through Started.
func (d *Device) Up() error {
	if err := d.AllocateRings(); err != nil {
		return err
	}
	if err := d.ArmInterrupts(); err != nil {
		return err
	}
	return d.Start()
}

// Stop disables the device engine and both interrupt sources. Ring
// resources stay allocated so in-flight transfers can drain; release
// happens in Teardown, closing the race where a late interrupt could touch
// freed memory.
func (d *Device) Stop() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if err := d.requireState("STOP", StateStarted); err != nil {
		return err
	}

	d.regs.Write32(hwio.RegMacControl, 0)
	d.regs.Write32(hwio.RegIntEnable, 0)

	d.metrics.Stop()
	d.state.Store(int32(StateStopped))

	// Parked producers re-check state and fail with a state error.
	d.tx.Lock()
	d.txSpace.Broadcast()
	d.tx.Unlock()

	d.log.Info("device stopped")
	return nil
}

// Teardown unregisters the interrupt handler, waits up to the configured
// deadline for hardware-owned TX descriptors to drain, then releases both
// rings. If the deadline expires the remaining bookkeeping is force-released
// and a hardware-timeout error is returned; buffers are only freed after the
// engine and interrupt source are already disabled, so the device can no
// longer write them.
func (d *Device) Teardown() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if err := d.requireState("TEARDOWN", StateStopped); err != nil {
		return err
	}

	if d.irqRegistered {
		if err := d.irq.Unregister(d.irqHandle); err != nil {
			d.log.Warn("interrupt unregister failed", "error", err)
		}
		d.irqRegistered = false
	}

	forced := d.drainTx()

	// RX slots are hardware-owned by design while running; with the engine
	// disabled they are reclaimed unconditionally.
	d.rx.Lock()
	d.rx.ForceReset()
	d.rx.Unlock()

	d.releaseRingsLocked()
	d.state.Store(int32(StateTornDown))

	snap := d.Stats()
	d.log.Info("device torn down",
		"tx_packets", snap.TxPackets,
		"rx_packets", snap.RxPackets,
		"interrupts", snap.Interrupts,
		"overflows", snap.TxOverflows,
		"forced", forced)

	if forced {
		d.metrics.ForcedTeardowns.Add(1)
		return NewError("TEARDOWN", ErrCodeHardwareTimeout,
			"forced release of in-flight descriptors")
	}
	return nil
}

// drainTx polls for outstanding TX descriptors until they complete or the
// deadline passes, reclaiming any late completions. Returns true if slots
// had to be abandoned.
func (d *Device) drainTx() bool {
	deadline := time.Now().Add(d.cfg.TeardownTimeout)

	for {
		d.tx.Lock()
		d.tx.ReclaimReady(nil)
		pending := d.tx.Count()
		d.tx.Unlock()

		if pending == 0 {
			return false
		}
		if time.Now().After(deadline) {
			d.log.Warn("teardown deadline expired, forcing release",
				"pending", pending)
			d.tx.Lock()
			d.tx.ForceReset()
			d.tx.Unlock()
			return true
		}
		time.Sleep(d.cfg.TeardownPoll)
	}
}

// Close stops and tears the device down from whatever state it is in.
func (d *Device) Close() error {
	if d.State() == StateStarted {
		if err := d.Stop(); err != nil {
			return err
		}
	}
	if s := d.State(); s == StateStopped {
		return d.Teardown()
	} else if s == StateRingsAllocated || s == StateInterruptsArmed {
		d.stateMu.Lock()
		if d.irqRegistered {
			d.regs.Write32(hwio.RegIntEnable, 0)
			if err := d.irq.Unregister(d.irqHandle); err != nil {
				d.log.Warn("interrupt unregister failed", "error", err)
			}
			d.irqRegistered = false
		}
		d.releaseRingsLocked()
		d.state.Store(int32(StateTornDown))
		d.stateMu.Unlock()
	}
	return nil
}

// releaseRingsLocked frees ring resources in reverse order of acquisition.
// Caller holds stateMu.
func (d *Device) releaseRingsLocked() {
	d.regs.Write32(hwio.RegRxRingBase, 0)
	d.regs.Write32(hwio.RegTxRingBase, 0)
	if d.rx != nil {
		d.rx.Release()
	}
	if d.tx != nil {
		d.tx.Release()
	}
}

// Transmit queues one frame for transmission. It claims a slot under the
// ring lock, copies the payload with the lock released, then re-acquires
// the lock to publish and ring the doorbell - the copy is the expensive part
// and must not extend the critical section. Returns a backpressure error
// when the ring is saturated; the caller may retry, queue or drop.
func (d *Device) Transmit(payload []byte) error {
	if d.State() != StateStarted {
		return NewError("TRANSMIT", ErrCodeDeviceState,
			"device is "+d.State().String())
	}
	if len(payload) == 0 || len(payload) > d.cfg.MaxFrameSize {
		d.metrics.RecordTransmit(0, false)
		return NewRingError("TRANSMIT", "tx", ErrCodeInvalidArgument,
			"payload length out of range")
	}

	d.tx.Lock()
	slot, err := d.tx.ClaimSlot()
	if err != nil {
		d.tx.Unlock()
		return NewRingError("TRANSMIT", "tx", ErrCodeBackpressure, "ring full")
	}
	buf, dev := d.tx.Buffer(slot)
	d.tx.Unlock()

	n := copy(buf, payload)

	d.tx.Lock()
	d.tx.Publish(slot, dev, uint32(n), true)
	d.regs.Write32(hwio.RegTxDoorbell, uint32(slot))
	depth := d.tx.Count()
	d.tx.Unlock()

	d.metrics.RecordTransmit(uint64(n), true)
	d.metrics.RecordTxInFlight(uint32(depth))
	return nil
}

// TransmitContext transmits like Transmit but parks on the ring's wait
// condition while it is saturated, until space frees up, the device stops,
// or the context is cancelled. Once published, a transfer cannot be
// cancelled; cancellation only prevents future submission.
func (d *Device) TransmitContext(ctx context.Context, payload []byte) error {
	if d.State() != StateStarted {
		return NewError("TRANSMIT", ErrCodeDeviceState,
			"device is "+d.State().String())
	}

	stop := context.AfterFunc(ctx, func() {
		d.tx.Lock()
		d.txSpace.Broadcast()
		d.tx.Unlock()
	})
	defer stop()

	for {
		err := d.Transmit(payload)
		if !IsCode(err, ErrCodeBackpressure) {
			return err
		}

		d.tx.Lock()
		for d.tx.Count() >= d.tx.Capacity() &&
			d.State() == StateStarted && ctx.Err() == nil {
			d.txSpace.Wait()
		}
		d.tx.Unlock()

		if err := ctx.Err(); err != nil {
			return WrapError("TRANSMIT", ErrCodeBackpressure, err)
		}
	}
}

// serviceInterrupt is the interrupt handler. It runs on the interrupt
// controller's goroutine and must not block, sleep or allocate: it reads the
// status register, returns immediately on zero (shared line, not ours),
// acknowledges exactly the bits it read, then services TX before RX.
//
// Fairness: each delivery services both rings at most once, so a device
// re-asserting one ring's bit continuously delays the other by at most one
// service pass per interrupt - starvation is bounded by the interrupt rate.
func (d *Device) serviceInterrupt() bool {
	status := d.regs.Read32(hwio.RegIntStatus)
	if status == 0 {
		d.metrics.SpuriousInterrupts.Add(1)
		return false
	}
	d.regs.Write32(hwio.RegIntStatus, status)

	d.metrics.Interrupts.Add(1)

	if status&hwio.IntTx != 0 {
		d.serviceTx()
	}
	if status&hwio.IntRx != 0 {
		d.serviceRx()
	}
	return true
}

// serviceTx reclaims completed TX descriptors and wakes parked producers if
// any slot was freed.
func (d *Device) serviceTx() {
	d.tx.Lock()
	n := d.tx.ReclaimReady(nil)
	if n == 0 {
		d.tx.NoteUnderrun()
	} else {
		d.txSpace.Broadcast()
	}
	d.tx.Unlock()
}

// serviceRx reclaims completed RX descriptors, hands each frame to the
// handler, and immediately re-publishes the freed slots so the device never
// runs out of receive buffers.
func (d *Device) serviceRx() {
	handler := d.cfg.RxHandler

	d.rx.Lock()
	n := d.rx.ReclaimReady(func(slot int, desc hwio.Descriptor) {
		length := int(desc.Length)
		buf, _ := d.rx.Buffer(slot)
		if length < 0 || length > len(buf) {
			d.metrics.IrqFaults.Add(1)
			d.log.Warn("rx descriptor length out of range",
				"slot", slot, "length", desc.Length)
			return
		}
		d.metrics.RecordReceive(uint64(length))
		if handler != nil {
			handler(buf[:length])
		}
	})
	if n == 0 {
		d.rx.NoteUnderrun()
	}
	for i := 0; i < n; i++ {
		slot, err := d.rx.ClaimSlot()
		if err != nil {
			break
		}
		_, dev := d.rx.Buffer(slot)
		d.rx.Publish(slot, dev, uint32(d.rx.BufferSize()), true)
		d.regs.Write32(hwio.RegRxDoorbell, uint32(slot))
	}
	d.rx.Unlock()
}
