// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vdma drives the write channel (S2MM) of a Xilinx AXI VDMA
// in park mode.
package vdma // import "github.com/go-lpc/hdrcam/vdma"

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/go-lpc/hdrcam/hdr"
	"github.com/go-lpc/hdrcam/internal/mmap"
)

type rwer interface {
	io.ReaderAt
	io.WriterAt
}

type reg32 struct {
	r func() uint32
	w func(v uint32)
}

func newReg32(eng *Engine, off int64) reg32 {
	return reg32{
		r: func() uint32 { return eng.readU32(off) },
		w: func(v uint32) { eng.writeU32(off, v) },
	}
}

// Engine is the S2MM channel of an AXI VDMA.
// Engine is safe for concurrent use.
type Engine struct {
	msg *log.Logger

	mu  sync.Mutex // guards the register window, err and buf
	rw  rwer
	err error
	buf [4]byte

	mem *mmap.Handle
	fd  *os.File

	regs struct {
		park reg32
		cr   reg32
		sr   reg32
		nfs  reg32

		vsize reg32
		hsize reg32
		strd  reg32
		addrs [MaxFrameStores]reg32
	}

	poll    time.Duration // register polling period
	timeout time.Duration // reset and start timeout
	frames  int           // frame completions per WaitFrame

	geom  hdr.Geometry
	nbufs int
}

type Option func(eng *Engine)

// WithLogger sets the logger of the engine.
func WithLogger(msg *log.Logger) Option {
	return func(eng *Engine) { eng.msg = msg }
}

// WithPollInterval sets the register polling period.
func WithPollInterval(d time.Duration) Option {
	return func(eng *Engine) { eng.poll = d }
}

// WithTimeout sets how long a reset, start or stop may take.
func WithTimeout(d time.Duration) Option {
	return func(eng *Engine) { eng.timeout = d }
}

// WithWaitFrames sets the number of frame completions WaitFrame waits for
// after a park. The first completion may be a frame that was already in
// flight when the write target changed.
func WithWaitFrames(n int) Option {
	return func(eng *Engine) {
		if n > 0 {
			eng.frames = n
		}
	}
}

// New returns an engine driving the registers exposed by rw.
func New(rw rwer, opts ...Option) *Engine {
	eng := &Engine{
		msg:     log.New(os.Stdout, "vdma: ", 0),
		rw:      rw,
		poll:    100 * time.Microsecond,
		timeout: 100 * time.Millisecond,
		frames:  2,
	}
	for _, opt := range opts {
		opt(eng)
	}

	eng.regs.park = newReg32(eng, RegParkPtr)
	eng.regs.cr = newReg32(eng, RegCR)
	eng.regs.sr = newReg32(eng, RegSR)
	eng.regs.nfs = newReg32(eng, RegFrmStore)
	eng.regs.vsize = newReg32(eng, RegVSize)
	eng.regs.hsize = newReg32(eng, RegHSize)
	eng.regs.strd = newReg32(eng, RegFrmDlyStrd)
	for i := range eng.regs.addrs {
		eng.regs.addrs[i] = newReg32(eng, RegStartAddr0+int64(i)*regStartAddrSz)
	}
	return eng
}

// Open maps the register window of the VDMA instance located at the
// physical address base, through the devmem device.
func Open(devmem string, base int64, opts ...Option) (*Engine, error) {
	fd, err := os.OpenFile(devmem, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("vdma: could not open %q: %w", devmem, err)
	}

	mem, err := mmap.Map(fd, base, WindowSize)
	if err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("vdma: could not map registers at 0x%x: %w", base, err)
	}

	eng := New(mem, opts...)
	eng.mem = mem
	eng.fd = fd
	return eng, nil
}

// Configure resets the channel and programs park mode with a frame
// completion interrupt on every frame, along with the frame geometry.
func (eng *Engine) Configure(g hdr.Geometry) error {
	err := g.Validate()
	if err != nil {
		return fmt.Errorf("vdma: %w: %w", hdr.ErrEngineConfig, err)
	}
	if g.Stride() > maxStride || g.Height > maxVSize {
		return fmt.Errorf(
			"vdma: geometry %dx%dx%d exceeds channel limits: %w",
			g.Width, g.Height, g.BytesPerPixel, hdr.ErrEngineConfig,
		)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()

	eng.err = nil
	eng.regs.cr.w(CRReset)
	err = eng.until(func(cr uint32) bool { return cr&CRReset == 0 }, eng.regs.cr)
	if err != nil {
		return fmt.Errorf("vdma: could not reset channel: %w: %w", hdr.ErrEngineConfig, err)
	}

	eng.regs.cr.w(CRFrmCntIrqEn | 1<<crIRQFrameCountShift)
	eng.regs.sr.w(srIrqMask)
	eng.regs.hsize.w(uint32(g.Stride()))
	eng.regs.strd.w(uint32(g.Stride()))
	if eng.err != nil {
		return fmt.Errorf("vdma: could not configure channel: %w: %w", hdr.ErrEngineConfig, eng.err)
	}

	eng.geom = g
	eng.nbufs = 0
	return nil
}

// SetBufferList programs the frame store addresses.
func (eng *Engine) SetBufferList(addrs []uint64) error {
	if n := len(addrs); n == 0 || n > MaxFrameStores {
		return fmt.Errorf(
			"vdma: invalid number of frame stores %d: %w",
			n, hdr.ErrEngineConfig,
		)
	}
	for i, addr := range addrs {
		if addr > 0xffffffff {
			return fmt.Errorf(
				"vdma: frame store %d at 0x%x outside 32-bit address space: %w",
				i, addr, hdr.ErrEngineConfig,
			)
		}
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()

	eng.regs.nfs.w(uint32(len(addrs)))
	for i, addr := range addrs {
		eng.regs.addrs[i].w(uint32(addr))
	}
	if eng.err != nil {
		return fmt.Errorf("vdma: could not program frame stores: %w: %w", hdr.ErrEngineConfig, eng.err)
	}

	eng.nbufs = len(addrs)
	return nil
}

// Start sets the channel running. Writing the vertical size launches
// the transfers.
func (eng *Engine) Start() error {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.nbufs == 0 || eng.geom.Height == 0 {
		return fmt.Errorf("vdma: channel not configured: %w", hdr.ErrEngineStart)
	}

	eng.regs.cr.w(eng.regs.cr.r() | CRRunStop)
	eng.regs.vsize.w(uint32(eng.geom.Height))
	err := eng.until(func(sr uint32) bool { return sr&SRHalted == 0 }, eng.regs.sr)
	if err != nil {
		return fmt.Errorf("vdma: could not start channel: %w: %w", hdr.ErrEngineStart, err)
	}
	return nil
}

// Stop halts the channel.
func (eng *Engine) Stop() error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.stop()
}

func (eng *Engine) stop() error {
	eng.err = nil
	eng.regs.cr.w(eng.regs.cr.r() &^ CRRunStop)
	err := eng.until(func(sr uint32) bool { return sr&SRHalted != 0 }, eng.regs.sr)
	if err != nil {
		return fmt.Errorf("vdma: could not halt channel: %w", err)
	}
	return nil
}

// Park directs subsequent frame writes to frame store i.
func (eng *Engine) Park(i int) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if i < 0 || i >= eng.nbufs {
		return fmt.Errorf(
			"vdma: frame store %d not in [0, %d): %w",
			i, eng.nbufs, hdr.ErrEngineTarget,
		)
	}

	eng.regs.sr.w(SRFrmCntIrq)
	park := eng.regs.park.r()
	eng.regs.park.w(park&^parkWrRefMask | uint32(i)<<parkWrRefShift)
	if eng.err != nil {
		err := eng.err
		eng.err = nil
		return fmt.Errorf("vdma: could not park on frame store %d: %w: %w", i, hdr.ErrEngineTarget, err)
	}
	return nil
}

// Parked returns the frame store the channel is parked on and the one
// it is currently writing.
func (eng *Engine) Parked() (ref, cur int, err error) {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	park := eng.regs.park.r()
	if eng.err != nil {
		err = eng.err
		eng.err = nil
		return 0, 0, err
	}
	ref = int(park&parkWrRefMask) >> parkWrRefShift
	cur = int(park&parkWrStoreMask) >> parkWrStoreShift
	return ref, cur, nil
}

// WaitFrame blocks until the channel completed the configured number of
// frames since the last park, or until ctx is done.
func (eng *Engine) WaitFrame(ctx context.Context) error {
	tck := time.NewTicker(eng.poll)
	defer tck.Stop()

	n := 0
	for {
		done, err := eng.ackFrame()
		if err != nil {
			return err
		}
		if done {
			n++
			if n >= eng.frames {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tck.C:
		}
	}
}

// ackFrame reads the status register and acknowledges a pending frame
// completion. The lock is not held between polls so that other calls,
// such as DumpRegisters, may proceed while a frame is being written.
func (eng *Engine) ackFrame() (bool, error) {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	sr := eng.regs.sr.r()
	if eng.err != nil {
		err := eng.err
		eng.err = nil
		return false, fmt.Errorf("vdma: could not read status: %w", err)
	}
	if sr&srErrMask != 0 {
		return false, fmt.Errorf("vdma: channel error (SR=0x%08x)", sr)
	}
	if sr&SRFrmCntIrq == 0 {
		return false, nil
	}
	eng.regs.sr.w(SRFrmCntIrq)
	if eng.err != nil {
		err := eng.err
		eng.err = nil
		return false, fmt.Errorf("vdma: could not acknowledge frame: %w", err)
	}
	return true, nil
}

// Status returns the content of the status register.
func (eng *Engine) Status() (uint32, error) {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	sr := eng.regs.sr.r()
	if eng.err != nil {
		err := eng.err
		eng.err = nil
		return 0, err
	}
	return sr, nil
}

// DumpRegisters writes the content of the channel registers to w.
func (eng *Engine) DumpRegisters(w io.Writer) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	for _, reg := range []struct {
		name string
		reg  reg32
	}{
		{"PARK_PTR", eng.regs.park},
		{"S2MM_CR", eng.regs.cr},
		{"S2MM_SR", eng.regs.sr},
		{"FRMSTORE", eng.regs.nfs},
		{"VSIZE", eng.regs.vsize},
		{"HSIZE", eng.regs.hsize},
		{"FRMDLY_STRIDE", eng.regs.strd},
	} {
		fmt.Fprintf(w, "%-14s 0x%08x\n", reg.name, reg.reg.r())
	}
	for i := 0; i < eng.nbufs; i++ {
		fmt.Fprintf(w, "START_ADDR[%02d] 0x%08x\n", i, eng.regs.addrs[i].r())
	}
	if eng.err != nil {
		err := eng.err
		eng.err = nil
		return fmt.Errorf("vdma: could not dump registers: %w", err)
	}
	return nil
}

// Close halts the channel and releases the register window.
func (eng *Engine) Close() error {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.mem == nil {
		return nil
	}

	if eng.nbufs > 0 {
		err := eng.stop()
		if err != nil {
			eng.msg.Printf("could not halt channel: %+v", err)
		}
	}

	err := eng.mem.Close()
	if err != nil {
		_ = eng.fd.Close()
		return fmt.Errorf("vdma: could not unmap registers: %w", err)
	}
	eng.mem = nil

	err = eng.fd.Close()
	if err != nil {
		return fmt.Errorf("vdma: could not close memory device: %w", err)
	}
	return nil
}

// until polls reg until cond holds or the engine timeout expires.
// until must be called with the lock held.
func (eng *Engine) until(cond func(v uint32) bool, reg reg32) error {
	deadline := time.Now().Add(eng.timeout)
	for {
		v := reg.r()
		if eng.err != nil {
			err := eng.err
			eng.err = nil
			return err
		}
		if cond(v) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("vdma: timeout after %v (reg=0x%08x)", eng.timeout, v)
		}
		time.Sleep(eng.poll)
	}
}

func (eng *Engine) readU32(off int64) uint32 {
	if eng.err != nil {
		return 0
	}
	_, eng.err = eng.rw.ReadAt(eng.buf[:4], off)
	if eng.err != nil {
		eng.err = fmt.Errorf("vdma: could not read register 0x%x: %w", off, eng.err)
		return 0
	}
	return binary.LittleEndian.Uint32(eng.buf[:4])
}

func (eng *Engine) writeU32(off int64, v uint32) {
	if eng.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(eng.buf[:4], v)
	_, eng.err = eng.rw.WriteAt(eng.buf[:4], off)
	if eng.err != nil {
		eng.err = fmt.Errorf("vdma: could not write register 0x%x: %w", off, eng.err)
		return
	}
}

var (
	_ hdr.Engine         = (*Engine)(nil)
	_ hdr.FrameWaiter    = (*Engine)(nil)
	_ hdr.RegisterDumper = (*Engine)(nil)
)
