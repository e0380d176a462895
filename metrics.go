package nicring

import (
	"sync/atomic"
	"time"
)

// Metrics tracks operational statistics for a device. All counters are
// monotonically increasing and safe to bump from the interrupt-service path.
type Metrics struct {
	// Traffic counters
	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64
	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	TxErrors  atomic.Uint64

	// Interrupt counters
	Interrupts         atomic.Uint64 // serviced deliveries
	SpuriousInterrupts atomic.Uint64 // status register read zero
	IrqFaults          atomic.Uint64 // anomalies recorded inside interrupt context

	// Lifecycle
	ForcedTeardowns atomic.Uint64

	// High-water mark of hardware-owned TX slots
	MaxTxInFlight atomic.Uint32

	StartTime atomic.Int64 // device start timestamp (UnixNano)
	StopTime  atomic.Int64 // device stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordTransmit records a transmit attempt.
func (m *Metrics) RecordTransmit(bytes uint64, success bool) {
	if success {
		m.TxPackets.Add(1)
		m.TxBytes.Add(bytes)
	} else {
		m.TxErrors.Add(1)
	}
}

// RecordReceive records a delivered frame.
func (m *Metrics) RecordReceive(bytes uint64) {
	m.RxPackets.Add(1)
	m.RxBytes.Add(bytes)
}

// RecordTxInFlight updates the in-flight high-water mark.
func (m *Metrics) RecordTxInFlight(depth uint32) {
	for {
		current := m.MaxTxInFlight.Load()
		if depth <= current {
			return
		}
		if m.MaxTxInFlight.CompareAndSwap(current, depth) {
			return
		}
	}
}

// Stop marks the device as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Snapshot is a point-in-time copy of metrics plus ring counters and derived
// rates.
type Snapshot struct {
	TxPackets uint64
	TxBytes   uint64
	RxPackets uint64
	RxBytes   uint64
	TxErrors  uint64

	Interrupts         uint64
	SpuriousInterrupts uint64
	IrqFaults          uint64
	ForcedTeardowns    uint64

	MaxTxInFlight uint32

	// Ring diagnostics, filled in by Device.Stats
	TxOverflows uint64
	TxUnderruns uint64
	RxUnderruns uint64

	UptimeNs uint64

	// Derived rates
	TxPacketsPerSec float64
	RxPacketsPerSec float64
	TxBytesPerSec   float64
	RxBytesPerSec   float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		TxPackets:          m.TxPackets.Load(),
		TxBytes:            m.TxBytes.Load(),
		RxPackets:          m.RxPackets.Load(),
		RxBytes:            m.RxBytes.Load(),
		TxErrors:           m.TxErrors.Load(),
		Interrupts:         m.Interrupts.Load(),
		SpuriousInterrupts: m.SpuriousInterrupts.Load(),
		IrqFaults:          m.IrqFaults.Load(),
		ForcedTeardowns:    m.ForcedTeardowns.Load(),
		MaxTxInFlight:      m.MaxTxInFlight.Load(),
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.TxPacketsPerSec = float64(snap.TxPackets) / uptimeSeconds
		snap.RxPacketsPerSec = float64(snap.RxPackets) / uptimeSeconds
		snap.TxBytesPerSec = float64(snap.TxBytes) / uptimeSeconds
		snap.RxBytesPerSec = float64(snap.RxBytes) / uptimeSeconds
	}

	return snap
}

// Reset resets all counters (useful for testing).
func (m *Metrics) Reset() {
	m.TxPackets.Store(0)
	m.TxBytes.Store(0)
	m.RxPackets.Store(0)
	m.RxBytes.Store(0)
	m.TxErrors.Store(0)
	m.Interrupts.Store(0)
	m.SpuriousInterrupts.Store(0)
	m.IrqFaults.Store(0)
	m.ForcedTeardowns.Store(0)
	m.MaxTxInFlight.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}
