// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package platform opens the hardware of an OV7670 + AXI VDMA capture board.
package platform // import "github.com/go-lpc/hdrcam/platform"

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-daq/smbus"
	"github.com/go-lpc/hdrcam/hdr"
	"github.com/go-lpc/hdrcam/internal/mmap"
	"github.com/go-lpc/hdrcam/ov7670"
	"github.com/go-lpc/hdrcam/vdma"
	"github.com/warthog618/go-gpiocdev"
)

// Frame completion sources.
const (
	WaitDelay = "delay" // fixed frame delay
	WaitVDMA  = "vdma"  // VDMA frame count interrupt status
	WaitVSync = "vsync" // VSYNC falling edges on a GPIO line
)

// Config describes the location of the board resources.
type Config struct {
	I2CBus     int    `json:"i2c_bus"`
	SensorAddr uint8  `json:"sensor_addr"`
	DevMem     string `json:"devmem"`
	VDMABase   int64  `json:"vdma_base"`
	FrameBase  uint64 `json:"frame_base"`
	FrameSize  int    `json:"frame_size"` // size of the frame window

	// GPIO lines. A negative offset disables the line.
	GPIOChip  string `json:"gpio_chip"`
	PowerDown int    `json:"pwdn"`
	Reset     int    `json:"reset"`
	VSync     int    `json:"vsync"`

	Wait       string `json:"wait"`
	WaitFrames int    `json:"wait_frames"`
	Probe      bool   `json:"probe"`
}

// DefaultConfig returns the resources of the reference board.
func DefaultConfig() Config {
	return Config{
		I2CBus:     0,
		SensorAddr: ov7670.Addr,
		DevMem:     "/dev/mem",
		VDMABase:   0x43000000,
		FrameBase:  0x10000000,
		FrameSize:  2 * 640 * 480,
		GPIOChip:   "gpiochip0",
		PowerDown:  -1,
		Reset:      -1,
		VSync:      -1,
		Wait:       WaitVDMA,
		WaitFrames: 2,
		Probe:      true,
	}
}

// LoadConfig reads a JSON board description from fname, on top of the
// default configuration.
func LoadConfig(fname string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(fname)
	if err != nil {
		return cfg, fmt.Errorf("platform: could not open board config: %w", err)
	}
	defer f.Close()

	err = json.NewDecoder(f).Decode(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("platform: could not decode board config: %w", err)
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.Wait {
	case WaitDelay, WaitVDMA:
	case WaitVSync:
		if cfg.VSync < 0 {
			return fmt.Errorf("platform: vsync wait requires a VSYNC line")
		}
	default:
		return fmt.Errorf("platform: invalid frame completion source %q", cfg.Wait)
	}
	if cfg.FrameSize <= 0 {
		return fmt.Errorf("platform: invalid frame window size %d", cfg.FrameSize)
	}
	return nil
}

// Board holds the opened resources of a capture board.
type Board struct {
	msg *log.Logger
	cfg Config

	bus    *smbus.Conn
	sensor *ov7670.Sensor
	eng    *vdma.Engine

	mem struct {
		fd     *os.File
		frames *frameMemory
	}

	gpio struct {
		chip  *gpiocdev.Chip
		pwdn  *gpiocdev.Line
		reset *gpiocdev.Line
		vsync *gpiocdev.Line
	}
	waiter hdr.FrameWaiter

	settle time.Duration // sensor bus settle delay
	reset  time.Duration // sensor soft-reset settle delay
}

type Option func(brd *Board)

// WithLogger sets the logger of the board.
func WithLogger(msg *log.Logger) Option {
	return func(brd *Board) { brd.msg = msg }
}

// WithSensorDelays sets the settle delays of the sensor register writes
// and of its soft-reset.
func WithSensorDelays(settle, reset time.Duration) Option {
	return func(brd *Board) {
		brd.settle = settle
		brd.reset = reset
	}
}

// Open acquires the board resources described by cfg.
func Open(cfg Config, opts ...Option) (*Board, error) {
	err := cfg.validate()
	if err != nil {
		return nil, err
	}

	brd := &Board{
		msg:    log.New(os.Stdout, "platform: ", 0),
		cfg:    cfg,
		settle: 1 * time.Millisecond,
		reset:  10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(brd)
	}
	defer func() {
		if err != nil {
			_ = brd.Close()
		}
	}()

	err = brd.openGPIO()
	if err != nil {
		return nil, err
	}

	brd.bus, err = smbus.Open(cfg.I2CBus, cfg.SensorAddr)
	if err != nil {
		return nil, fmt.Errorf("platform: could not open SMBus %d: %w", cfg.I2CBus, err)
	}
	brd.sensor = ov7670.New(
		brd.bus,
		ov7670.WithAddr(cfg.SensorAddr),
		ov7670.WithSettleDelay(brd.settle),
		ov7670.WithResetDelay(brd.reset),
	)
	if cfg.Probe {
		err = brd.sensor.Probe()
		if err != nil {
			return nil, fmt.Errorf("platform: could not probe sensor: %w", err)
		}
	}

	brd.eng, err = vdma.Open(
		cfg.DevMem, cfg.VDMABase,
		vdma.WithLogger(brd.msg),
		vdma.WithWaitFrames(cfg.WaitFrames),
	)
	if err != nil {
		return nil, fmt.Errorf("platform: could not open VDMA: %w", err)
	}

	brd.mem.fd, err = os.OpenFile(cfg.DevMem, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("platform: could not open %q: %w", cfg.DevMem, err)
	}
	mem, err := mmap.Map(brd.mem.fd, int64(cfg.FrameBase), cfg.FrameSize)
	if err != nil {
		return nil, fmt.Errorf("platform: could not map frame window: %w", err)
	}
	brd.mem.frames = newFrameMemory(cfg.FrameBase, mem)

	switch cfg.Wait {
	case WaitVDMA:
		brd.waiter = brd.eng
	case WaitVSync:
		// set up by openGPIO.
	}

	return brd, nil
}

func (brd *Board) openGPIO() error {
	cfg := brd.cfg
	if cfg.PowerDown < 0 && cfg.Reset < 0 && cfg.VSync < 0 {
		return nil
	}

	var err error
	brd.gpio.chip, err = gpiocdev.NewChip(cfg.GPIOChip)
	if err != nil {
		return fmt.Errorf("platform: could not open GPIO chip %q: %w", cfg.GPIOChip, err)
	}

	if cfg.PowerDown >= 0 {
		brd.gpio.pwdn, err = brd.gpio.chip.RequestLine(cfg.PowerDown, gpiocdev.AsOutput(0))
		if err != nil {
			return fmt.Errorf("platform: could not request PWDN line: %w", err)
		}
	}

	if cfg.Reset >= 0 {
		brd.gpio.reset, err = brd.gpio.chip.RequestLine(cfg.Reset, gpiocdev.AsOutput(0))
		if err != nil {
			return fmt.Errorf("platform: could not request RESET line: %w", err)
		}
		time.Sleep(1 * time.Millisecond)
		err = brd.gpio.reset.SetValue(1)
		if err != nil {
			return fmt.Errorf("platform: could not release sensor reset: %w", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if cfg.VSync >= 0 {
		w := newVSyncWaiter(cfg.WaitFrames)
		brd.gpio.vsync, err = brd.gpio.chip.RequestLine(
			cfg.VSync,
			gpiocdev.WithFallingEdge,
			gpiocdev.WithEventHandler(w.handle),
		)
		if err != nil {
			return fmt.Errorf("platform: could not request VSYNC line: %w", err)
		}
		if cfg.Wait == WaitVSync {
			brd.waiter = w
		}
	}

	return nil
}

// Sensor returns the image sensor of the board.
func (brd *Board) Sensor() *ov7670.Sensor { return brd.sensor }

// Engine returns the VDMA engine of the board.
func (brd *Board) Engine() *vdma.Engine { return brd.eng }

// Hardware returns the capability set driven by an hdr.Session.
// Closing the hardware closes the board.
func (brd *Board) Hardware() hdr.Hardware {
	return hdr.Hardware{
		Sensor: brd.sensor,
		Engine: brd.eng,
		Cache:  brd.mem.frames,
		Waiter: brd.waiter,
		Memory: brd.mem.frames,
		Closer: brd,
	}
}

// PowerDown drives the sensor PWDN line.
func (brd *Board) PowerDown(down bool) error {
	if brd.gpio.pwdn == nil {
		return fmt.Errorf("platform: no PWDN line")
	}
	v := 0
	if down {
		v = 1
	}
	err := brd.gpio.pwdn.SetValue(v)
	if err != nil {
		return fmt.Errorf("platform: could not drive PWDN line: %w", err)
	}
	return nil
}

// Close releases all the board resources.
func (brd *Board) Close() error {
	var errs []error
	closeOne := func(name string, c io.Closer) {
		err := c.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("platform: could not close %s: %w", name, err))
		}
	}

	if brd.eng != nil {
		closeOne("VDMA", brd.eng)
		brd.eng = nil
	}
	if brd.mem.frames != nil {
		closeOne("frame window", brd.mem.frames)
		brd.mem.frames = nil
	}
	if brd.mem.fd != nil {
		closeOne("memory device", brd.mem.fd)
		brd.mem.fd = nil
	}
	for _, line := range []struct {
		name string
		line **gpiocdev.Line
	}{
		{"VSYNC line", &brd.gpio.vsync},
		{"RESET line", &brd.gpio.reset},
		{"PWDN line", &brd.gpio.pwdn},
	} {
		if *line.line != nil {
			closeOne(line.name, *line.line)
			*line.line = nil
		}
	}
	if brd.gpio.chip != nil {
		closeOne("GPIO chip", brd.gpio.chip)
		brd.gpio.chip = nil
	}
	if brd.bus != nil {
		closeOne("SMBus", brd.bus)
		brd.bus = nil
	}

	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return fmt.Errorf("%w (and %d more errors)", errs[0], len(errs)-1)
	}
}
