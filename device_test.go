package nicring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkrolls/go-nicring/internal/hwio"
	"github.com/dkrolls/go-nicring/internal/mem"
	"github.com/dkrolls/go-nicring/internal/sim"
)

func testConfig(capacity int) Config {
	cfg := DefaultConfig()
	cfg.Name = "test0"
	cfg.TxCapacity = capacity
	cfg.RxCapacity = capacity
	cfg.MaxFrameSize = 256
	return cfg
}

// newMockDevice builds a device over the map-backed register file and the
// synchronous interrupt line; nothing ever completes unless the test says so.
func newMockDevice(t *testing.T, cfg Config) (*Device, *mem.HeapArena, *MockRegisterIO, *MockInterruptLine) {
	t.Helper()

	arena := mem.NewHeapArena()
	regs := NewMockRegisterIO()
	line := &MockInterruptLine{}

	d, err := NewDevice(cfg, arena, regs, line)
	require.NoError(t, err)
	return d, arena, regs, line
}

// newSimDevice builds a device over the full simulated hardware model.
func newSimDevice(t *testing.T, cfg Config, auto bool) (*Device, *sim.Device, *mem.HeapArena) {
	t.Helper()

	arena := mem.NewHeapArena()
	hw := sim.New(arena, sim.Config{
		TxCapacity:   cfg.TxCapacity,
		RxCapacity:   cfg.RxCapacity,
		AutoComplete: auto,
	})
	t.Cleanup(hw.Close)

	d, err := NewDevice(cfg, arena, hw, hw)
	require.NoError(t, err)
	return d, hw, arena
}

func TestNewDeviceValidatesConfig(t *testing.T) {
	cfg := testConfig(4)
	cfg.TxCapacity = 0

	_, err := NewDevice(cfg, mem.NewHeapArena(), NewMockRegisterIO(), &MockInterruptLine{})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))
}

func TestLifecycleHappyPath(t *testing.T) {
	d, arena, _, line := newMockDevice(t, testConfig(4))

	assert.Equal(t, StateUninitialized, d.State())

	require.NoError(t, d.AllocateRings())
	assert.Equal(t, StateRingsAllocated, d.State())

	require.NoError(t, d.ArmInterrupts())
	assert.Equal(t, StateInterruptsArmed, d.State())
	assert.True(t, line.Registered())

	require.NoError(t, d.Start())
	assert.Equal(t, StateStarted, d.State())

	require.NoError(t, d.Stop())
	assert.Equal(t, StateStopped, d.State())

	require.NoError(t, d.Teardown())
	assert.Equal(t, StateTornDown, d.State())
	assert.False(t, line.Registered())
	assert.Zero(t, arena.Live(), "teardown must free every DMA region")
}

func TestLifecycleRejectsOutOfOrderCalls(t *testing.T) {
	d, _, _, _ := newMockDevice(t, testConfig(4))

	tests := []struct {
		name string
		call func() error
	}{
		{"arm before alloc", d.ArmInterrupts},
		{"start before alloc", d.Start},
		{"stop before start", d.Stop},
		{"teardown before stop", d.Teardown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.True(t, IsCode(err, ErrCodeDeviceState))
		})
	}

	// A completed transition is not repeatable either.
	require.NoError(t, d.AllocateRings())
	err := d.AllocateRings()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeDeviceState))
}

func TestArmInterruptsFailureUnwinds(t *testing.T) {
	d, arena, _, line := newMockDevice(t, testConfig(4))
	line.RegisterErr = errors.New("no vectors left")

	require.NoError(t, d.AllocateRings())
	err := d.ArmInterrupts()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInterruptLine))

	// The failed transition released the rings and returned to the initial
	// state, so bring-up can be retried from scratch.
	assert.Equal(t, StateUninitialized, d.State())
	assert.Zero(t, arena.Live())

	line.RegisterErr = nil
	require.NoError(t, d.AllocateRings())
	require.NoError(t, d.ArmInterrupts())
}

func TestAllocateRingsRollsBackOnRxFailure(t *testing.T) {
	d, arena, _, _ := newMockDevice(t, testConfig(4))

	// TX needs 5 allocations (4 buffers + descriptor array); fail during RX.
	arena.FailAllocation(7)

	err := d.AllocateRings()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeAllocationFailure))
	assert.Equal(t, StateUninitialized, d.State())
	assert.Zero(t, arena.Live())
}

func TestBringUpRegisterProgramming(t *testing.T) {
	d, _, regs, _ := newMockDevice(t, testConfig(4))
	require.NoError(t, d.Up())

	var order []uint32
	for _, w := range regs.Writes() {
		switch w.Offset {
		case hwio.RegTxRingBase, hwio.RegRxRingBase:
			assert.NotZero(t, w.Value, "ring base programmed before allocation")
			order = append(order, w.Offset)
		case hwio.RegIntEnable:
			assert.Equal(t, hwio.IntTx|hwio.IntRx, w.Value)
			order = append(order, w.Offset)
		case hwio.RegMacControl:
			assert.Equal(t, hwio.MacEnable, w.Value)
			order = append(order, w.Offset)
		}
	}

	// Bases first, then interrupt enable, engine enable last.
	require.Equal(t, []uint32{
		hwio.RegTxRingBase, hwio.RegRxRingBase,
		hwio.RegIntEnable, hwio.RegMacControl,
	}, order)
}

func TestStopQuiescesBeforeTeardownReleases(t *testing.T) {
	d, _, regs, _ := newMockDevice(t, testConfig(4))
	require.NoError(t, d.Up())
	require.NoError(t, d.Stop())
	require.NoError(t, d.Teardown())

	var order []string
	for _, w := range regs.Writes() {
		switch {
		case w.Offset == hwio.RegMacControl && w.Value == 0:
			order = append(order, "mac-off")
		case w.Offset == hwio.RegIntEnable && w.Value == 0:
			order = append(order, "irq-off")
		case w.Offset == hwio.RegRxRingBase && w.Value == 0:
			order = append(order, "rx-base-clear")
		case w.Offset == hwio.RegTxRingBase && w.Value == 0:
			order = append(order, "tx-base-clear")
		}
	}

	// The engine and interrupt sources go quiet before any ring memory is
	// released; the device can no longer write a freed buffer.
	require.Equal(t, []string{
		"mac-off", "irq-off", "rx-base-clear", "tx-base-clear",
	}, order)
}

func TestTransmitValidation(t *testing.T) {
	d, _, _, _ := newMockDevice(t, testConfig(4))

	err := d.Transmit([]byte("early"))
	assert.True(t, IsCode(err, ErrCodeDeviceState), "transmit before start")

	require.NoError(t, d.Up())

	err = d.Transmit(nil)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))

	err = d.Transmit(make([]byte, 257))
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))

	assert.Equal(t, uint64(2), d.Stats().TxErrors)
	assert.Zero(t, d.Stats().TxPackets)
}

func TestTransmitBackpressureAtCapacity(t *testing.T) {
	d, _, _, _ := newMockDevice(t, testConfig(4))
	require.NoError(t, d.Up())

	for i := 0; i < 4; i++ {
		require.NoError(t, d.Transmit([]byte{byte(i)}), "transmit %d", i)
	}

	// Fifth submission with nothing completed: backpressure, counted once.
	err := d.Transmit([]byte{4})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeBackpressure))

	snap := d.Stats()
	assert.Equal(t, uint64(4), snap.TxPackets)
	assert.Equal(t, uint64(1), snap.TxOverflows)
	assert.Equal(t, uint32(4), snap.MaxTxInFlight)
}

func TestPartialCompletionFreesOldestSlots(t *testing.T) {
	d, hw, _ := newSimDevice(t, testConfig(4), false)
	require.NoError(t, d.Up())

	payloads := [][]byte{[]byte("p1"), []byte("p2"), []byte("p3"), []byte("p4")}
	for _, p := range payloads {
		require.NoError(t, d.Transmit(p))
	}
	assert.True(t, IsCode(d.Transmit([]byte("p5")), ErrCodeBackpressure))

	// Hardware completes the two oldest transfers; the interrupt path
	// reclaims them and exactly two slots open up.
	require.Equal(t, 2, hw.CompleteTx(2))

	require.Eventually(t, func() bool {
		return d.Transmit([]byte("p5")) == nil
	}, time.Second, time.Millisecond)
	require.NoError(t, d.Transmit([]byte("p6")))
	assert.True(t, IsCode(d.Transmit([]byte("p7")), ErrCodeBackpressure))

	frames := hw.TxFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, []byte("p1"), frames[0], "completion order follows submission order")
	assert.Equal(t, []byte("p2"), frames[1])
}

func TestTransmitDrivesWireInOrder(t *testing.T) {
	d, hw, _ := newSimDevice(t, testConfig(8), true)
	require.NoError(t, d.Up())

	for i := 0; i < 20; i++ {
		require.NoError(t, d.TransmitContext(context.Background(),
			[]byte(fmt.Sprintf("frame-%02d", i))))
	}

	require.Eventually(t, func() bool {
		return len(hw.TxFrames()) == 20
	}, time.Second, time.Millisecond)

	for i, f := range hw.TxFrames() {
		assert.Equal(t, fmt.Sprintf("frame-%02d", i), string(f))
	}
	assert.Equal(t, uint64(20), d.Stats().TxPackets)
}

func TestTransmitContextCancellation(t *testing.T) {
	d, _, _, _ := newMockDevice(t, testConfig(1))
	require.NoError(t, d.Up())
	require.NoError(t, d.Transmit([]byte("x")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := d.TransmitContext(ctx, []byte("y"))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeBackpressure))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "cancellation must unpark the producer")
}

func TestTransmitContextWakesWhenSpaceFrees(t *testing.T) {
	d, hw, _ := newSimDevice(t, testConfig(1), false)
	require.NoError(t, d.Up())
	require.NoError(t, d.Transmit([]byte("first")))

	done := make(chan error, 1)
	go func() {
		done <- d.TransmitContext(context.Background(), []byte("second"))
	}()

	// Give the producer time to park, then complete the in-flight transfer.
	time.Sleep(20 * time.Millisecond)
	hw.CompleteTx(-1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("parked producer never woke")
	}
}

func TestReceiveDelivery(t *testing.T) {
	var mu sync.Mutex
	var got [][]byte

	cfg := testConfig(4)
	cfg.RxHandler = func(frame []byte) {
		// The frame aliases DMA memory; copy before the slot is re-armed.
		mu.Lock()
		got = append(got, append([]byte(nil), frame...))
		mu.Unlock()
	}

	d, hw, _ := newSimDevice(t, cfg, false)
	require.NoError(t, d.Up())

	// More frames than the ring has slots: re-arming must keep up.
	for i := 0; i < 10; i++ {
		require.Eventually(t, func() bool {
			return hw.InjectFrame([]byte(fmt.Sprintf("rx-%02d", i))) == nil
		}, time.Second, time.Millisecond, "slot never re-armed for frame %d", i)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, f := range got {
		assert.Equal(t, fmt.Sprintf("rx-%02d", i), string(f))
	}
	assert.Equal(t, uint64(10), d.Stats().RxPackets)
	assert.Equal(t, uint64(50), d.Stats().RxBytes)
}

func TestSpuriousInterrupt(t *testing.T) {
	d, _, _, line := newMockDevice(t, testConfig(4))
	require.NoError(t, d.Up())

	// Status register reads zero: shared line, not our device.
	assert.False(t, line.Fire())
	assert.Equal(t, uint64(1), d.Stats().SpuriousInterrupts)
	assert.Zero(t, d.Stats().Interrupts)
}

func TestInterruptAcknowledgeExactBits(t *testing.T) {
	d, _, regs, line := newMockDevice(t, testConfig(4))
	require.NoError(t, d.Up())

	regs.SetStatus(hwio.IntTx)
	assert.True(t, line.Fire())
	assert.Zero(t, regs.Read32(hwio.RegIntStatus), "serviced bits must be cleared")
	assert.Equal(t, uint64(1), d.Stats().Interrupts)

	// Nothing was actually completed, so the service pass found no work.
	assert.Equal(t, uint64(1), d.Stats().TxUnderruns)
}

func TestTeardownCompletesCleanly(t *testing.T) {
	d, hw, arena := newSimDevice(t, testConfig(4), true)
	require.NoError(t, d.Up())

	for i := 0; i < 3; i++ {
		require.NoError(t, d.TransmitContext(context.Background(), []byte("frame")))
	}
	require.Eventually(t, func() bool {
		return len(hw.TxFrames()) == 3
	}, time.Second, time.Millisecond)

	require.NoError(t, d.Stop())
	require.NoError(t, d.Teardown())

	assert.Equal(t, StateTornDown, d.State())
	assert.Zero(t, arena.Live())
	assert.Zero(t, d.Stats().ForcedTeardowns)
}

func TestTeardownForcedAfterTimeout(t *testing.T) {
	cfg := testConfig(4)
	cfg.TeardownTimeout = 50 * time.Millisecond
	cfg.TeardownPoll = 5 * time.Millisecond

	d, _, arena := newSimDevice(t, cfg, false)
	require.NoError(t, d.Up())

	// One transfer the hardware never completes.
	require.NoError(t, d.Transmit([]byte("stuck")))
	require.NoError(t, d.Stop())

	err := d.Teardown()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeHardwareTimeout))

	// Forced release still leaves the device fully torn down, with the
	// incident visible in the counters.
	assert.Equal(t, StateTornDown, d.State())
	assert.Equal(t, uint64(1), d.Stats().ForcedTeardowns)
	assert.Zero(t, arena.Live())
}

func TestTeardownReclaimsLateCompletion(t *testing.T) {
	cfg := testConfig(4)
	cfg.TeardownTimeout = time.Second
	cfg.TeardownPoll = time.Millisecond

	d, hw, arena := newSimDevice(t, cfg, false)
	require.NoError(t, d.Up())
	require.NoError(t, d.Transmit([]byte("late")))
	require.NoError(t, d.Stop())

	// Completion lands while teardown is already polling.
	go func() {
		time.Sleep(20 * time.Millisecond)
		hw.Write32(hwio.RegMacControl, hwio.MacEnable)
		hw.CompleteTx(-1)
	}()

	require.NoError(t, d.Teardown())
	assert.Zero(t, d.Stats().ForcedTeardowns)
	assert.Zero(t, arena.Live())
}

func TestCloseFromAnyState(t *testing.T) {
	t.Run("uninitialized", func(t *testing.T) {
		d, _, _, _ := newMockDevice(t, testConfig(4))
		require.NoError(t, d.Close())
		assert.Equal(t, StateUninitialized, d.State())
	})

	t.Run("rings allocated", func(t *testing.T) {
		d, arena, _, _ := newMockDevice(t, testConfig(4))
		require.NoError(t, d.AllocateRings())
		require.NoError(t, d.Close())
		assert.Equal(t, StateTornDown, d.State())
		assert.Zero(t, arena.Live())
	})

	t.Run("started", func(t *testing.T) {
		d, arena, _, line := newMockDevice(t, testConfig(4))
		require.NoError(t, d.Up())
		require.NoError(t, d.Close())
		assert.Equal(t, StateTornDown, d.State())
		assert.False(t, line.Registered())
		assert.Zero(t, arena.Live())
	})
}
