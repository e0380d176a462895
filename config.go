package nicring

import (
	"fmt"
	"time"
)

// Defaults, matching the reference device's geometry.
const (
	DefaultRingCapacity    = 256
	DefaultMaxFrameSize    = 1518 // standard Ethernet frame
	DefaultTeardownTimeout = 5 * time.Second
	DefaultTeardownPoll    = 10 * time.Millisecond
)

// Config describes a device's geometry and behavior.
type Config struct {
	// Name tags log lines and errors for this device.
	Name string

	// TxCapacity and RxCapacity are the fixed descriptor counts per ring.
	TxCapacity int
	RxCapacity int

	// MaxFrameSize bounds transmit payloads and sizes every slot buffer.
	MaxFrameSize int

	// TeardownTimeout bounds the wait for in-flight descriptors during
	// teardown; after it expires bookkeeping is force-released. Best-effort
	// leak avoidance, not a correctness guarantee.
	TeardownTimeout time.Duration
	// TeardownPoll is the polling interval of that wait.
	TeardownPoll time.Duration

	// ShareableInterrupt registers the handler as sharing its line.
	ShareableInterrupt bool

	// RxHandler, when set, receives completed inbound frames.
	RxHandler RxHandler
}

// DefaultConfig returns a configuration with reference-device defaults.
func DefaultConfig() Config {
	return Config{
		Name:               "nic0",
		TxCapacity:         DefaultRingCapacity,
		RxCapacity:         DefaultRingCapacity,
		MaxFrameSize:       DefaultMaxFrameSize,
		TeardownTimeout:    DefaultTeardownTimeout,
		TeardownPoll:       DefaultTeardownPoll,
		ShareableInterrupt: true,
	}
}

// Validate checks the configuration, filling zero durations with defaults.
func (c *Config) Validate() error {
	if c.Name == "" {
		c.Name = "nic0"
	}
	if c.TxCapacity <= 0 {
		return fmt.Errorf("tx capacity must be positive, got %d", c.TxCapacity)
	}
	if c.RxCapacity <= 0 {
		return fmt.Errorf("rx capacity must be positive, got %d", c.RxCapacity)
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("max frame size must be positive, got %d", c.MaxFrameSize)
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = DefaultTeardownTimeout
	}
	if c.TeardownPoll <= 0 {
		c.TeardownPoll = DefaultTeardownPoll
	}
	return nil
}
