// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hdr

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
)

// journal records the ordered list of hardware operations.
type journal struct {
	mu  sync.Mutex
	ops []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops = append(j.ops, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.ops...)
}

func (j *journal) reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops = nil
}

type fakeSensor struct {
	j *journal

	errInit error
	errExpo error
	expos   []Exposure
}

func (s *fakeSensor) Initialize() error {
	s.j.add("init")
	return s.errInit
}

func (s *fakeSensor) SetExposure(e Exposure) error {
	s.j.add("exposure=%d", e)
	if s.errExpo != nil {
		return s.errExpo
	}
	s.expos = append(s.expos, e)
	return nil
}

type fakeEngine struct {
	j *journal

	errCfg   error
	errBufs  error
	errStart error
	errPark  error

	geo   Geometry
	addrs []uint64
}

func (e *fakeEngine) Configure(g Geometry) error {
	e.j.add("configure=%dx%dx%d", g.Width, g.Height, g.BytesPerPixel)
	e.geo = g
	return e.errCfg
}

func (e *fakeEngine) SetBufferList(addrs []uint64) error {
	e.j.add("buffers=%#x", addrs)
	e.addrs = append([]uint64(nil), addrs...)
	return e.errBufs
}

func (e *fakeEngine) Start() error {
	e.j.add("start")
	return e.errStart
}

func (e *fakeEngine) Park(i int) error {
	e.j.add("park=%d", i)
	return e.errPark
}

func (e *fakeEngine) DumpRegisters(w io.Writer) error {
	_, err := fmt.Fprintf(w, "fake engine: %d buffers\n", len(e.addrs))
	return err
}

type fakeCache struct {
	j   *journal
	err error
}

func (c *fakeCache) Invalidate(addr uint64, n int) error {
	c.j.add("invalidate=%#x+%d", addr, n)
	return c.err
}

type fakeWaiter struct {
	j     *journal
	block bool // wait until the context is done
	err   error
}

func (w *fakeWaiter) WaitFrame(ctx context.Context) error {
	w.j.add("wait")
	if w.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return w.err
}

// fakeMemory fills frames with the exposure last programmed on the sensor.
type fakeMemory struct {
	sensor *fakeSensor
	err    error
}

func (m *fakeMemory) ReadFrame(b Buffer, dst []byte) error {
	if m.err != nil {
		return m.err
	}
	var v byte
	if n := len(m.sensor.expos); n >= 2 {
		switch b.Addr {
		case DefaultBaseAddr:
			v = byte(m.sensor.expos[n-2] >> 2)
		default:
			v = byte(m.sensor.expos[n-1] >> 2)
		}
	}
	for i := range dst[:b.Len] {
		dst[i] = v
	}
	return nil
}

type fakeHW struct {
	j      *journal
	sensor *fakeSensor
	engine *fakeEngine
	cache  *fakeCache
	waiter *fakeWaiter
	mem    *fakeMemory
}

func newFakeHW() *fakeHW {
	j := new(journal)
	hw := &fakeHW{
		j:      j,
		sensor: &fakeSensor{j: j},
		engine: &fakeEngine{j: j},
		cache:  &fakeCache{j: j},
		waiter: &fakeWaiter{j: j},
	}
	hw.mem = &fakeMemory{sensor: hw.sensor}
	return hw
}

func (hw *fakeHW) hardware(waiter bool) Hardware {
	o := Hardware{
		Sensor: hw.sensor,
		Engine: hw.engine,
		Cache:  hw.cache,
		Memory: hw.mem,
		Closer: io.NopCloser(nil),
	}
	if waiter {
		o.Waiter = hw.waiter
	}
	return o
}

func discard() Option {
	return WithLogger(log.New(io.Discard, "", 0))
}

// fastOptions removes all delays.
func fastOptions() []Option {
	return []Option{
		discard(),
		WithFrameDelay(0),
		WithCycleDelay(0),
	}
}
