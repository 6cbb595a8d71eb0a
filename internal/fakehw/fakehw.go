// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakehw holds types to fake an in-memory capture board.
//
// The fake DMA engine "writes" a frame into the parked buffer when the
// cache is invalidated for it. Pixel values form a horizontal gradient
// scaled by the exposure programmed on the sensor.
package fakehw // import "github.com/go-lpc/hdrcam/internal/fakehw"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-lpc/hdrcam/hdr"
)

// Board is an in-memory sensor, DMA engine and frame memory.
type Board struct {
	mu sync.Mutex

	base uint64
	mem  []byte
	geom hdr.Geometry

	period time.Duration // frame period seen by WaitFrame

	inits   int
	expo    hdr.Exposure
	addrs   []uint64
	target  int
	running bool
	frames  uint64
	closed  bool

	// Fail, when set, is returned by the named operation.
	Fail map[string]error
}

// New returns a board whose frame memory starts at base and can hold
// two frames of geometry g.
func New(base uint64, g hdr.Geometry) *Board {
	return &Board{
		base:   base,
		mem:    make([]byte, 2*g.FrameSize()),
		geom:   g,
		target: -1,
		Fail:   make(map[string]error),
	}
}

// WithFramePeriod returns a board whose WaitFrame blocks for d.
func (b *Board) WithFramePeriod(d time.Duration) *Board {
	b.period = d
	return b
}

// Hardware returns the capability set of the board.
// The frame waiter is only set when a frame period was configured.
func (b *Board) Hardware() hdr.Hardware {
	hw := hdr.Hardware{
		Sensor: b,
		Engine: b,
		Cache:  b,
		Memory: b,
		Closer: b,
	}
	if b.period > 0 {
		hw.Waiter = b
	}
	return hw
}

func (b *Board) fail(op string) error {
	if err, ok := b.Fail[op]; ok && err != nil {
		return err
	}
	return nil
}

func (b *Board) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("init"); err != nil {
		return fmt.Errorf("fakehw: could not initialize sensor: %w: %w", hdr.ErrBusTransaction, err)
	}
	b.inits++
	return nil
}

func (b *Board) SetExposure(e hdr.Exposure) error {
	if err := e.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("exposure"); err != nil {
		return fmt.Errorf("fakehw: could not set exposure: %w: %w", hdr.ErrBusTransaction, err)
	}
	b.expo = e
	return nil
}

// Exposure returns the exposure programmed on the sensor.
func (b *Board) Exposure() hdr.Exposure {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expo
}

func (b *Board) Configure(g hdr.Geometry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("configure"); err != nil {
		return fmt.Errorf("fakehw: %w: %w", hdr.ErrEngineConfig, err)
	}
	if g != b.geom {
		return fmt.Errorf("fakehw: geometry mismatch: %w", hdr.ErrEngineConfig)
	}
	return nil
}

func (b *Board) SetBufferList(addrs []uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("buffers"); err != nil {
		return fmt.Errorf("fakehw: %w: %w", hdr.ErrEngineConfig, err)
	}
	b.addrs = append([]uint64(nil), addrs...)
	return nil
}

func (b *Board) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("start"); err != nil {
		return fmt.Errorf("fakehw: %w: %w", hdr.ErrEngineStart, err)
	}
	b.running = true
	return nil
}

func (b *Board) Park(i int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.addrs) {
		return fmt.Errorf("fakehw: invalid frame store %d: %w", i, hdr.ErrEngineTarget)
	}
	if err := b.fail("park"); err != nil {
		return fmt.Errorf("fakehw: %w: %w", hdr.ErrEngineTarget, err)
	}
	b.target = i
	return nil
}

// Target returns the frame store the engine is parked on.
func (b *Board) Target() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.target
}

func (b *Board) WaitFrame(ctx context.Context) error {
	if err := b.fail("wait"); err != nil {
		return err
	}
	tmr := time.NewTimer(b.period)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// Invalidate renders the parked frame store when it lies in the range.
func (b *Board) Invalidate(addr uint64, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("invalidate"); err != nil {
		return err
	}
	off, err := b.offset(addr, n)
	if err != nil {
		return err
	}
	if !b.running || b.target < 0 || b.addrs[b.target] != addr {
		return nil
	}

	b.render(b.mem[off : off+int64(n)])
	b.frames++
	return nil
}

func (b *Board) render(dst []byte) {
	var (
		w   = b.geom.Width
		bpp = b.geom.BytesPerPixel
	)
	for i := range dst {
		x := (i / bpp) % w
		v := 255 * x / max(w-1, 1)
		v = v * int(b.expo) / 512
		dst[i] = byte(min(v, 255))
	}
}

func (b *Board) ReadFrame(buf hdr.Buffer, dst []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("read"); err != nil {
		return err
	}
	off, err := b.offset(buf.Addr, buf.Len)
	if err != nil {
		return err
	}
	if len(dst) < buf.Len {
		return io.ErrShortBuffer
	}
	copy(dst, b.mem[off:off+int64(buf.Len)])
	return nil
}

func (b *Board) offset(addr uint64, n int) (int64, error) {
	if addr < b.base || addr-b.base+uint64(n) > uint64(len(b.mem)) {
		return 0, fmt.Errorf("fakehw: range 0x%x+%d outside frame memory", addr, n)
	}
	return int64(addr - b.base), nil
}

// Frames returns the number of frames written by the engine.
func (b *Board) Frames() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames
}

func (b *Board) DumpRegisters(w io.Writer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := fmt.Fprintf(
		w, "fakehw: running=%v target=%d frames=%d buffers=%#x\n",
		b.running, b.target, b.frames, b.addrs,
	)
	return err
}

func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("fakehw: board already closed")
	}
	b.closed = true
	b.running = false
	return nil
}

var (
	_ hdr.Sensor         = (*Board)(nil)
	_ hdr.Engine         = (*Board)(nil)
	_ hdr.Cache          = (*Board)(nil)
	_ hdr.FrameWaiter    = (*Board)(nil)
	_ hdr.FrameReader    = (*Board)(nil)
	_ hdr.RegisterDumper = (*Board)(nil)
)
