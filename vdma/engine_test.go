// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vdma

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-lpc/hdrcam/hdr"
)

// fakeRegs emulates the S2MM register file of an AXI VDMA.
type fakeRegs struct {
	regs map[int64]uint32

	stuck  bool // reset never self-clears
	frames bool // a frame completes on each status read
	fail   int64
	errs   uint32 // error bits raised on status reads
}

func newFakeRegs() *fakeRegs {
	return &fakeRegs{
		regs: map[int64]uint32{RegSR: SRHalted},
		fail: -1,
	}
}

func (f *fakeRegs) ReadAt(p []byte, off int64) (int, error) {
	if off == f.fail {
		return 0, io.ErrUnexpectedEOF
	}
	if off == RegSR && f.frames {
		f.regs[RegSR] |= SRFrmCntIrq
	}
	if off == RegSR {
		f.regs[RegSR] |= f.errs
	}
	binary.LittleEndian.PutUint32(p, f.regs[off])
	return 4, nil
}

func (f *fakeRegs) WriteAt(p []byte, off int64) (int, error) {
	if off == f.fail {
		return 0, io.ErrShortWrite
	}
	v := binary.LittleEndian.Uint32(p)
	switch off {
	case RegCR:
		if v&CRReset != 0 {
			if !f.stuck {
				v = 0
			}
			f.regs[RegSR] = SRHalted
		}
		switch {
		case v&CRRunStop != 0:
			f.regs[RegSR] &^= SRHalted
		default:
			f.regs[RegSR] |= SRHalted
		}
		f.regs[off] = v
	case RegSR:
		f.regs[off] &^= v & srIrqMask
	default:
		f.regs[off] = v
	}
	return 4, nil
}

func newTestEngine(rw rwer) *Engine {
	return New(
		rw,
		WithLogger(log.New(io.Discard, "", 0)),
		WithPollInterval(time.Microsecond),
		WithTimeout(5*time.Millisecond),
	)
}

var geom = hdr.Geometry{Width: 640, Height: 480, BytesPerPixel: 1}

func TestEngine(t *testing.T) {
	regs := newFakeRegs()
	eng := newTestEngine(regs)

	err := eng.Configure(geom)
	if err != nil {
		t.Fatalf("could not configure engine: %+v", err)
	}

	for _, tc := range []struct {
		reg  int64
		want uint32
	}{
		{RegCR, CRFrmCntIrqEn | 1<<16},
		{RegHSize, 640},
		{RegFrmDlyStrd, 640},
	} {
		if got := regs.regs[tc.reg]; got != tc.want {
			t.Fatalf("invalid register 0x%x: got=0x%x, want=0x%x", tc.reg, got, tc.want)
		}
	}
	if regs.regs[RegCR]&CRCircularPark != 0 {
		t.Fatalf("channel not in park mode")
	}

	err = eng.SetBufferList([]uint64{0x10000000, 0x1004b000})
	if err != nil {
		t.Fatalf("could not set buffer list: %+v", err)
	}
	if got, want := regs.regs[RegFrmStore], uint32(2); got != want {
		t.Fatalf("invalid frame stores: got=%d, want=%d", got, want)
	}
	if got, want := regs.regs[RegStartAddr0+4], uint32(0x1004b000); got != want {
		t.Fatalf("invalid start address: got=0x%x, want=0x%x", got, want)
	}

	if _, ok := regs.regs[RegVSize]; ok {
		t.Fatalf("vertical size written before start")
	}
	err = eng.Start()
	if err != nil {
		t.Fatalf("could not start engine: %+v", err)
	}
	if got, want := regs.regs[RegVSize], uint32(480); got != want {
		t.Fatalf("invalid vsize: got=%d, want=%d", got, want)
	}
	if regs.regs[RegCR]&CRRunStop == 0 {
		t.Fatalf("channel not running")
	}

	for _, i := range []int{0, 1, 0} {
		regs.regs[RegSR] |= SRFrmCntIrq
		err = eng.Park(i)
		if err != nil {
			t.Fatalf("could not park on %d: %+v", i, err)
		}
		if regs.regs[RegSR]&SRFrmCntIrq != 0 {
			t.Fatalf("stale frame interrupt not cleared")
		}
		ref, _, err := eng.Parked()
		if err != nil {
			t.Fatalf("could not read park pointer: %+v", err)
		}
		if ref != i {
			t.Fatalf("invalid park pointer: got=%d, want=%d", ref, i)
		}
	}

	for _, i := range []int{-1, 2, 32} {
		err = eng.Park(i)
		if !errors.Is(err, hdr.ErrEngineTarget) {
			t.Fatalf("park %d: expected an engine target error, got=%v", i, err)
		}
	}

	err = eng.Stop()
	if err != nil {
		t.Fatalf("could not stop engine: %+v", err)
	}
	if regs.regs[RegSR]&SRHalted == 0 {
		t.Fatalf("channel not halted")
	}
}

func TestEngineConfigureErrors(t *testing.T) {
	t.Run("geometry", func(t *testing.T) {
		eng := newTestEngine(newFakeRegs())
		err := eng.Configure(hdr.Geometry{Width: 0, Height: 480, BytesPerPixel: 1})
		if !errors.Is(err, hdr.ErrEngineConfig) {
			t.Fatalf("expected a configuration error, got=%v", err)
		}
	})

	t.Run("stride", func(t *testing.T) {
		eng := newTestEngine(newFakeRegs())
		err := eng.Configure(hdr.Geometry{Width: 0x10000, Height: 480, BytesPerPixel: 1})
		if !errors.Is(err, hdr.ErrEngineConfig) {
			t.Fatalf("expected a configuration error, got=%v", err)
		}
	})

	t.Run("reset-stuck", func(t *testing.T) {
		regs := newFakeRegs()
		regs.stuck = true
		eng := newTestEngine(regs)
		err := eng.Configure(geom)
		if !errors.Is(err, hdr.ErrEngineConfig) {
			t.Fatalf("expected a configuration error, got=%v", err)
		}
	})

	t.Run("bus", func(t *testing.T) {
		regs := newFakeRegs()
		regs.fail = RegHSize
		eng := newTestEngine(regs)
		err := eng.Configure(geom)
		if !errors.Is(err, hdr.ErrEngineConfig) || !errors.Is(err, io.ErrShortWrite) {
			t.Fatalf("expected a configuration error, got=%v", err)
		}
	})

	for _, tc := range []struct {
		name  string
		addrs []uint64
	}{
		{"empty", nil},
		{"too-many", make([]uint64, MaxFrameStores+1)},
		{"64-bit", []uint64{0x1_0000_0000}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			eng := newTestEngine(newFakeRegs())
			err := eng.SetBufferList(tc.addrs)
			if !errors.Is(err, hdr.ErrEngineConfig) {
				t.Fatalf("expected a configuration error, got=%v", err)
			}
		})
	}
}

func TestEngineStartErrors(t *testing.T) {
	eng := newTestEngine(newFakeRegs())
	err := eng.Start()
	if !errors.Is(err, hdr.ErrEngineStart) {
		t.Fatalf("expected a start error, got=%v", err)
	}

	regs := newFakeRegs()
	eng = newTestEngine(regs)
	if err := eng.Configure(geom); err != nil {
		t.Fatalf("could not configure: %+v", err)
	}
	if err := eng.SetBufferList([]uint64{0x10000000}); err != nil {
		t.Fatalf("could not set buffers: %+v", err)
	}
	regs.fail = RegVSize
	err = eng.Start()
	if !errors.Is(err, hdr.ErrEngineStart) {
		t.Fatalf("expected a start error, got=%v", err)
	}
}

func TestEngineWaitFrame(t *testing.T) {
	regs := newFakeRegs()
	eng := New(
		regs,
		WithPollInterval(time.Microsecond),
		WithTimeout(5*time.Millisecond),
		WithWaitFrames(2),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := eng.WaitFrame(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a deadline error, got=%v", err)
	}

	regs.frames = true
	err = eng.WaitFrame(context.Background())
	if err != nil {
		t.Fatalf("could not wait for frame: %+v", err)
	}

	regs.errs = SRVDMADecErr
	err = eng.WaitFrame(context.Background())
	if err == nil || !strings.Contains(err.Error(), "channel error") {
		t.Fatalf("expected a channel error, got=%v", err)
	}

	regs.errs = 0
	regs.regs[RegSR] = 0
	regs.fail = RegSR
	err = eng.WaitFrame(context.Background())
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected a read error, got=%v", err)
	}
}

func TestEngineDumpRegisters(t *testing.T) {
	regs := newFakeRegs()
	eng := newTestEngine(regs)
	if err := eng.Configure(geom); err != nil {
		t.Fatalf("could not configure: %+v", err)
	}
	if err := eng.SetBufferList([]uint64{0x10000000, 0x1004b000}); err != nil {
		t.Fatalf("could not set buffers: %+v", err)
	}

	o := new(strings.Builder)
	err := eng.DumpRegisters(o)
	if err != nil {
		t.Fatalf("could not dump registers: %+v", err)
	}

	for _, want := range []string{
		"HSIZE          0x00000280",
		"START_ADDR[00] 0x10000000",
		"START_ADDR[01] 0x1004b000",
	} {
		if !strings.Contains(o.String(), want) {
			t.Fatalf("missing %q in dump:\n%s", want, o.String())
		}
	}

	regs.fail = RegCR
	err = eng.DumpRegisters(io.Discard)
	if err == nil {
		t.Fatalf("expected an error")
	}

	sr, err := eng.Status()
	if err != nil {
		t.Fatalf("could not read status: %+v", err)
	}
	if sr&SRHalted == 0 {
		t.Fatalf("invalid status: 0x%x", sr)
	}
}

func TestOpenFail(t *testing.T) {
	_, err := Open("/dev/does-not-exist", 0x43000000)
	if err == nil {
		t.Fatalf("expected an error")
	}
	want := fmt.Sprintf("vdma: could not open %q", "/dev/does-not-exist")
	if !strings.HasPrefix(err.Error(), want) {
		t.Fatalf("invalid error: %v", err)
	}
}

// syncRegs serializes accesses to a register file, as a bus would.
type syncRegs struct {
	mu   sync.Mutex
	regs *fakeRegs
}

func (s *syncRegs) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs.ReadAt(p, off)
}

func (s *syncRegs) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs.WriteAt(p, off)
}

func TestEngineConcurrentDump(t *testing.T) {
	regs := newFakeRegs()
	bus := &syncRegs{regs: regs}
	eng := newTestEngine(bus)
	if err := eng.Configure(geom); err != nil {
		t.Fatalf("could not configure: %+v", err)
	}
	if err := eng.SetBufferList([]uint64{0x10000000, 0x1004b000}); err != nil {
		t.Fatalf("could not set buffers: %+v", err)
	}

	quit := make(chan struct{})
	dumps := make(chan error, 1)
	go func() {
		defer close(dumps)
		for {
			select {
			case <-quit:
				return
			default:
			}
			err := eng.DumpRegisters(io.Discard)
			if err != nil {
				dumps <- err
				return
			}
		}
	}()

	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		err := eng.WaitFrame(ctx)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			close(quit)
			t.Fatalf("frame %d: no frame was written, got=%v", i, err)
		}
	}

	bus.mu.Lock()
	regs.frames = true
	bus.mu.Unlock()

	for i := 0; i < 10; i++ {
		err := eng.WaitFrame(context.Background())
		if err != nil {
			close(quit)
			t.Fatalf("frame %d: could not wait for frame: %+v", i, err)
		}
	}
	close(quit)

	for err := range dumps {
		t.Fatalf("could not dump registers: %+v", err)
	}
}
