package hwio

// Register file offsets. These are device-defined constants; all access goes
// through RegisterIO with volatile semantics - register values are never
// cached by software.
const (
	RegTxRingBase = 0x00 // TX ring base (device address, low 32 bits)
	RegRxRingBase = 0x04 // RX ring base (device address, low 32 bits)
	RegTxStatus   = 0x08 // TX engine status
	RegRxStatus   = 0x0C // RX engine status
	RegIntEnable  = 0x10 // interrupt enable mask
	RegIntStatus  = 0x14 // interrupt status, write-1-to-clear
	RegMacControl = 0x18 // MAC control
	RegTxDoorbell = 0x1C // TX doorbell, written with the published slot index
	RegRxDoorbell = 0x20 // RX doorbell, written with the re-armed slot index
)

// RegisterFileSize is the size of the register window in bytes.
const RegisterFileSize = 0x24

// Interrupt status/enable bits. One line services both rings.
const (
	IntTx = uint32(1) << 0
	IntRx = uint32(1) << 1
)

// MAC control bits.
const (
	MacEnable = uint32(1) << 0
)

// RegisterIO is the register access collaborator. Implementations must have
// device-ordering semantics equivalent to volatile, uncached access.
type RegisterIO interface {
	Write32(offset uint32, value uint32)
	Read32(offset uint32) uint32
}

// InterruptHandler services one interrupt delivery. It returns false when the
// status register read zero (shared line, not ours); the controller may use
// that to keep probing other handlers on the line.
type InterruptHandler func() bool

// InterruptHandle identifies a registration for later removal.
type InterruptHandle int

// InterruptLine is the interrupt registration collaborator. Register arms the
// line; handlers run on the controller's interrupt goroutine and must not
// block, sleep or allocate on the hot path.
type InterruptLine interface {
	Register(handler InterruptHandler, shareable bool) (InterruptHandle, error)
	Unregister(handle InterruptHandle) error
}
