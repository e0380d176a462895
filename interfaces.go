// Package nicring implements a DMA descriptor-ring engine for a NIC-like
// device. The hardware side is reached exclusively through three
// collaborators - buffer allocation, register access and interrupt
// registration - so the engine runs unchanged against real MMIO plumbing or
// the in-process device model in internal/sim.
package nicring

import (
	"github.com/dkrolls/go-nicring/internal/hwio"
	"github.com/dkrolls/go-nicring/internal/mem"
)

// DeviceAddress is a device-visible bus address.
type DeviceAddress = mem.DeviceAddress

// Allocator is the buffer allocation collaborator: memory with a CPU handle
// and a bus address that stays stable until Free.
type Allocator = mem.Allocator

// RegisterIO is the register access collaborator, with volatile semantics.
type RegisterIO = hwio.RegisterIO

// InterruptLine is the interrupt registration collaborator.
type InterruptLine = hwio.InterruptLine

// InterruptHandle identifies an interrupt registration.
type InterruptHandle = hwio.InterruptHandle

// RxHandler receives completed inbound frames from the interrupt-service
// path. The slice aliases the slot's DMA buffer and is valid only for the
// duration of the call; the handler must copy the data if it retains it, and
// must not block or call back into the Device.
type RxHandler func(frame []byte)
