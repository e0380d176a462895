package nicring

import (
	"errors"
	"sync"

	"github.com/dkrolls/go-nicring/internal/hwio"
)

// RegWrite records one register write for verification.
type RegWrite struct {
	Offset uint32
	Value  uint32
}

// MockRegisterIO is a RegisterIO backed by a plain map, recording every
// write. INT_STATUS honors the write-1-to-clear contract so acknowledgment
// behaves as on hardware. Useful for unit testing lifecycle register
// programming without the full simulated device.
type MockRegisterIO struct {
	mu     sync.Mutex
	regs   map[uint32]uint32
	writes []RegWrite
}

// NewMockRegisterIO creates an empty register file.
func NewMockRegisterIO() *MockRegisterIO {
	return &MockRegisterIO{regs: make(map[uint32]uint32)}
}

// Write32 implements RegisterIO.
func (m *MockRegisterIO) Write32(offset uint32, value uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset == hwio.RegIntStatus {
		m.regs[offset] &^= value
	} else {
		m.regs[offset] = value
	}
	m.writes = append(m.writes, RegWrite{Offset: offset, Value: value})
}

// Read32 implements RegisterIO.
func (m *MockRegisterIO) Read32(offset uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[offset]
}

// SetStatus latches interrupt status bits the way a device would.
func (m *MockRegisterIO) SetStatus(bits uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[hwio.RegIntStatus] |= bits
}

// Writes returns a copy of the write log.
func (m *MockRegisterIO) Writes() []RegWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RegWrite, len(m.writes))
	copy(out, m.writes)
	return out
}

// MockInterruptLine is an InterruptLine that lets tests fire the handler
// synchronously on their own goroutine.
type MockInterruptLine struct {
	mu           sync.Mutex
	handler      hwio.InterruptHandler
	registered   bool
	unregistered int

	// RegisterErr, when set, makes Register fail. Used to exercise the
	// arm-interrupts unwind path.
	RegisterErr error
}

// Register implements InterruptLine.
func (m *MockInterruptLine) Register(handler hwio.InterruptHandler, _ bool) (hwio.InterruptHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RegisterErr != nil {
		return 0, m.RegisterErr
	}
	if m.registered {
		return 0, errors.New("mock: line busy")
	}
	m.handler = handler
	m.registered = true
	return 1, nil
}

// Unregister implements InterruptLine.
func (m *MockInterruptLine) Unregister(handle hwio.InterruptHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registered || handle != 1 {
		return errors.New("mock: unknown handle")
	}
	m.registered = false
	m.handler = nil
	m.unregistered++
	return nil
}

// Fire invokes the registered handler, returning its result, or false when
// no handler is installed.
func (m *MockInterruptLine) Fire() bool {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()

	if h == nil {
		return false
	}
	return h()
}

// Registered reports whether a handler is currently installed.
func (m *MockInterruptLine) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}
