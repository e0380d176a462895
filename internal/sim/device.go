// Package sim provides a register-accurate software model of the DMA device:
// an MMIO register file, a descriptor engine that completes TX slots and
// fills RX slots in submission order, and an interrupt line that delivers on
// a dedicated goroutine. The driver talks to it only through the hwio
// collaborator interfaces, exactly as it would talk to real hardware.
package sim

import (
	"errors"
	"sync"

	"github.com/dkrolls/go-nicring/internal/hwio"
	"github.com/dkrolls/go-nicring/internal/logging"
	"github.com/dkrolls/go-nicring/internal/mem"
)

var (
	// ErrRxRingFull is returned by InjectFrame when no RX descriptor is
	// hardware-owned; a real NIC would drop the frame and count an overrun.
	ErrRxRingFull = errors.New("sim: rx ring full")
	// ErrFrameTooBig is returned when an injected frame exceeds the slot's
	// buffer length.
	ErrFrameTooBig = errors.New("sim: frame exceeds rx buffer")
	// ErrLineBusy is returned by Register when a handler is installed and
	// the line was not registered shareable.
	ErrLineBusy = errors.New("sim: interrupt line busy")
)

// Config describes the simulated device's geometry and behavior.
type Config struct {
	TxCapacity int
	RxCapacity int
	// AutoComplete makes the engine complete TX transfers as soon as the
	// doorbell rings. When false, transfers complete only via CompleteTx,
	// which lets tests stage partial completions.
	AutoComplete bool
	Log          *logging.Logger
}

// Device is the simulated DMA device. It implements hwio.RegisterIO and
// hwio.InterruptLine, and masters the bus through a mem.DMA resolver.
type Device struct {
	cfg Config
	dma mem.DMA
	log *logging.Logger

	mu       sync.Mutex
	regs     [hwio.RegisterFileSize / 4]uint32
	txCursor int
	rxCursor int
	txFrames [][]byte

	handler   hwio.InterruptHandler
	handlerID hwio.InterruptHandle
	nextID    hwio.InterruptHandle

	kick    chan struct{}
	irqCh   chan struct{}
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New creates a simulated device mastering the given bus.
func New(dma mem.DMA, cfg Config) *Device {
	log := cfg.Log
	if log == nil {
		log = logging.Default().WithDevice("sim")
	}

	d := &Device{
		cfg:    cfg,
		dma:    dma,
		log:    log,
		nextID: 1,
		kick:   make(chan struct{}, 1),
		irqCh:  make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}

	d.wg.Add(2)
	go d.engineLoop()
	go d.irqLoop()

	return d
}

// Close stops the engine and interrupt delivery goroutines.
func (d *Device) Close() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.stop)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Read32 implements hwio.RegisterIO.
func (d *Device) Read32(offset uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[offset/4]
}

// Write32 implements hwio.RegisterIO. INT_STATUS is write-1-to-clear; the TX
// doorbell kicks the engine when auto-completion is on.
func (d *Device) Write32(offset uint32, value uint32) {
	d.mu.Lock()
	switch offset {
	case hwio.RegIntStatus:
		d.regs[offset/4] &^= value
	default:
		d.regs[offset/4] = value
	}
	auto := d.cfg.AutoComplete &&
		offset == hwio.RegTxDoorbell &&
		d.regs[hwio.RegMacControl/4]&hwio.MacEnable != 0
	d.mu.Unlock()

	if auto {
		select {
		case d.kick <- struct{}{}:
		default:
		}
	}
}

// Register implements hwio.InterruptLine.
func (d *Device) Register(handler hwio.InterruptHandler, shareable bool) (hwio.InterruptHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handler != nil && !shareable {
		return 0, ErrLineBusy
	}

	id := d.nextID
	d.nextID++
	d.handler = handler
	d.handlerID = id
	return id, nil
}

// Unregister implements hwio.InterruptLine.
func (d *Device) Unregister(handle hwio.InterruptHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if handle != d.handlerID || d.handler == nil {
		return errors.New("sim: unknown interrupt handle")
	}
	d.handler = nil
	return nil
}

// CompleteTx completes up to n pending TX transfers (all pending when n < 0)
// and raises the interrupt line if anything latched. Returns the number
// completed. Tests drive partial completions through this.
func (d *Device) CompleteTx(n int) int {
	return d.completeTx(n)
}

// InjectFrame places a received frame into the next hardware-owned RX slot,
// rewrites the descriptor length with the frame size, marks it done and
// raises the line.
func (d *Device) InjectFrame(payload []byte) error {
	d.mu.Lock()
	base := mem.DeviceAddress(d.regs[hwio.RegRxRingBase/4])
	cursor := d.rxCursor
	d.mu.Unlock()

	descMem, err := d.dma.Slice(base, d.cfg.RxCapacity*hwio.DescriptorSize)
	if err != nil {
		return err
	}

	b := hwio.DescSlice(descMem, cursor)
	desc := hwio.ReadDescriptor(b)
	if !desc.OwnedByHardware() || desc.Done() {
		return ErrRxRingFull
	}
	if len(payload) > int(desc.Length) {
		return ErrFrameTooBig
	}

	buf, err := d.dma.Slice(mem.DeviceAddress(desc.BufferAddr), int(desc.Length))
	if err != nil {
		return err
	}
	copy(buf, payload)

	hwio.WriteLength(b, uint32(len(payload)))
	hwio.WriteStatus(b, hwio.StatusDone)

	d.mu.Lock()
	d.rxCursor = (cursor + 1) % d.cfg.RxCapacity
	if desc.Control&hwio.CtrlIntrEnable != 0 {
		d.regs[hwio.RegIntStatus/4] |= hwio.IntRx
	}
	d.mu.Unlock()

	d.raise()
	return nil
}

// TxFrames returns copies of every frame the engine has transmitted so far.
func (d *Device) TxFrames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	frames := make([][]byte, len(d.txFrames))
	copy(frames, d.txFrames)
	return frames
}

func (d *Device) engineLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case <-d.kick:
			d.completeTx(-1)
		}
	}
}

// completeTx walks the TX ring from the engine cursor, transferring each
// hardware-owned, not-yet-done descriptor in order.
func (d *Device) completeTx(max int) int {
	d.mu.Lock()
	base := mem.DeviceAddress(d.regs[hwio.RegTxRingBase/4])
	enabled := d.regs[hwio.RegMacControl/4]&hwio.MacEnable != 0
	d.mu.Unlock()

	if !enabled || base == 0 {
		return 0
	}

	descMem, err := d.dma.Slice(base, d.cfg.TxCapacity*hwio.DescriptorSize)
	if err != nil {
		d.log.Error("tx ring base does not resolve", "base", uint64(base))
		return 0
	}

	completed := 0
	latch := false

	for max < 0 || completed < max {
		d.mu.Lock()
		cursor := d.txCursor
		d.mu.Unlock()

		b := hwio.DescSlice(descMem, cursor)
		desc := hwio.ReadDescriptor(b)
		if !desc.OwnedByHardware() || desc.Done() {
			break
		}

		buf, err := d.dma.Slice(mem.DeviceAddress(desc.BufferAddr), int(desc.Length))
		if err != nil {
			d.log.Error("tx buffer does not resolve",
				"slot", cursor, "addr", desc.BufferAddr)
			break
		}
		frame := make([]byte, desc.Length)
		copy(frame, buf)

		hwio.WriteStatus(b, hwio.StatusDone)

		d.mu.Lock()
		d.txFrames = append(d.txFrames, frame)
		d.txCursor = (cursor + 1) % d.cfg.TxCapacity
		if desc.Control&hwio.CtrlIntrEnable != 0 {
			d.regs[hwio.RegIntStatus/4] |= hwio.IntTx
			latch = true
		}
		d.mu.Unlock()

		completed++
	}

	if latch {
		d.raise()
	}
	return completed
}

// raise asserts the interrupt line when an enabled status bit is pending and
// a handler is registered. Delivery happens on the irq goroutine.
func (d *Device) raise() {
	d.mu.Lock()
	pending := d.regs[hwio.RegIntStatus/4] & d.regs[hwio.RegIntEnable/4]
	armed := d.handler != nil
	d.mu.Unlock()

	if !armed || pending == 0 {
		return
	}

	select {
	case d.irqCh <- struct{}{}:
	default:
	}
}

// irqLoop is the module's interrupt context: handlers run here, never on the
// caller's goroutine.
func (d *Device) irqLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case <-d.irqCh:
			d.mu.Lock()
			h := d.handler
			d.mu.Unlock()
			if h != nil {
				h()
			}
		}
	}
}
