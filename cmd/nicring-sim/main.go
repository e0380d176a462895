// nicring-sim brings up a device against the simulated DMA hardware, pushes
// transmit traffic through the TX ring, injects receive traffic into the RX
// ring, and prints a metrics snapshot.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v2"

	nicring "github.com/dkrolls/go-nicring"
	"github.com/dkrolls/go-nicring/internal/logging"
	"github.com/dkrolls/go-nicring/internal/mem"
	"github.com/dkrolls/go-nicring/internal/sim"
)

type cmdConfig struct {
	frames      int
	rxFrames    int
	capacity    int
	frameSize   int
	payloadSize int
	mmap        bool
	loggerLevel string
}

var config = &cmdConfig{}

var flags = []cli.Flag{
	&cli.IntFlag{
		Name:        "frames",
		Value:       1000,
		Usage:       "number of frames to transmit",
		Destination: &config.frames,
	},
	&cli.IntFlag{
		Name:        "rxFrames",
		Value:       100,
		Usage:       "number of frames to inject on the receive side",
		Destination: &config.rxFrames,
	},
	&cli.IntFlag{
		Name:        "capacity",
		Value:       nicring.DefaultRingCapacity,
		Usage:       "descriptor count per ring",
		Destination: &config.capacity,
	},
	&cli.IntFlag{
		Name:        "frameSize",
		Value:       nicring.DefaultMaxFrameSize,
		Usage:       "maximum frame size (per-slot buffer size)",
		Destination: &config.frameSize,
	},
	&cli.IntFlag{
		Name:        "payloadSize",
		Value:       64,
		Usage:       "transmit payload size in bytes",
		Destination: &config.payloadSize,
	},
	&cli.BoolFlag{
		Name:        "mmap",
		Value:       false,
		Usage:       "back DMA memory with mmap instead of the heap arena",
		Destination: &config.mmap,
	},
	&cli.StringFlag{
		Name:        "loggerLevel",
		Value:       "info",
		Usage:       "logger level: debug, info, warn, error",
		Destination: &config.loggerLevel,
	},
}

func loggerLevel(flag string) logging.LogLevel {
	switch flag {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func run(*cli.Context) error {
	logging.SetDefault(logging.NewLogger(&logging.Config{
		Level:  loggerLevel(config.loggerLevel),
		Format: "text",
		Output: os.Stderr,
	}))

	type arena interface {
		nicring.Allocator
		mem.DMA
	}
	var bus arena = mem.NewHeapArena()
	if config.mmap {
		bus = mem.NewMmapArena()
	}

	hw := sim.New(bus, sim.Config{
		TxCapacity:   config.capacity,
		RxCapacity:   config.capacity,
		AutoComplete: true,
	})
	defer hw.Close()

	var received atomic.Uint64
	cfg := nicring.DefaultConfig()
	cfg.Name = "sim0"
	cfg.TxCapacity = config.capacity
	cfg.RxCapacity = config.capacity
	cfg.MaxFrameSize = config.frameSize
	cfg.RxHandler = func(frame []byte) {
		received.Add(uint64(len(frame)))
	}

	dev, err := nicring.NewDevice(cfg, bus, hw, hw)
	if err != nil {
		return err
	}
	if err := dev.Up(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload := make([]byte, config.payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	start := time.Now()
	for i := 0; i < config.frames; i++ {
		if err := dev.TransmitContext(ctx, payload); err != nil {
			return fmt.Errorf("transmit %d: %w", i, err)
		}
	}
	for i := 0; i < config.rxFrames; i++ {
		if err := hw.InjectFrame(payload); err != nil {
			return fmt.Errorf("inject %d: %w", i, err)
		}
	}

	// Let the interrupt path drain the last completions.
	time.Sleep(50 * time.Millisecond)

	if err := dev.Stop(); err != nil {
		return err
	}
	if err := dev.Teardown(); err != nil {
		return err
	}

	snap := dev.Stats()
	elapsed := time.Since(start)
	fmt.Printf("tx: %d frames, %d bytes (%.0f frames/s)\n",
		snap.TxPackets, snap.TxBytes,
		float64(snap.TxPackets)/elapsed.Seconds())
	fmt.Printf("rx: %d frames, %d bytes delivered (%d seen by handler)\n",
		snap.RxPackets, snap.RxBytes, received.Load())
	fmt.Printf("interrupts: %d (%d spurious), overflows: %d, max in-flight: %d\n",
		snap.Interrupts, snap.SpuriousInterrupts,
		snap.TxOverflows, snap.MaxTxInFlight)
	return nil
}

func main() {
	app := &cli.App{
		Name:   "nicring-sim",
		Usage:  "exercise the DMA ring engine against the simulated device",
		Flags:  flags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
