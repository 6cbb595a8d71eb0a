// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hdr

import (
	"fmt"
	"sync"
)

// Arbiter owns the slot to physical buffer mapping and is the only
// component allowed to change the DMA write target.
type Arbiter struct {
	eng Engine

	mu     sync.RWMutex
	ok     bool // whether the engine was configured and started
	geo    Geometry
	bufs   [NumSlots]Buffer
	target Slot
}

func NewArbiter(eng Engine) *Arbiter {
	return &Arbiter{eng: eng, target: -1}
}

// Configure sets up the engine with the two buffers and the frame geometry,
// starts it and parks it on buffer 0. Configure can only succeed once.
func (arb *Arbiter) Configure(b0, b1 Buffer, g Geometry) error {
	arb.mu.Lock()
	defer arb.mu.Unlock()

	if arb.ok {
		return fmt.Errorf("hdr: engine already configured: %w", ErrEngineConfig)
	}

	err := g.Validate()
	if err != nil {
		return err
	}

	size := g.FrameSize()
	for i, b := range []Buffer{b0, b1} {
		if b.Len < size {
			return fmt.Errorf(
				"hdr: buffer %d too small (len=%d, frame=%d): %w",
				i, b.Len, size, ErrEngineConfig,
			)
		}
	}
	if b0.Overlaps(b1) {
		return fmt.Errorf(
			"hdr: buffers [0x%x, 0x%x) and [0x%x, 0x%x) overlap: %w",
			b0.Addr, b0.End(), b1.Addr, b1.End(), ErrEngineConfig,
		)
	}

	err = arb.eng.Configure(g)
	if err != nil {
		return fmt.Errorf("hdr: could not configure engine geometry: %w: %w", ErrEngineConfig, err)
	}

	err = arb.eng.SetBufferList([]uint64{b0.Addr, b1.Addr})
	if err != nil {
		return fmt.Errorf("hdr: could not set engine buffer list: %w: %w", ErrEngineConfig, err)
	}

	err = arb.eng.Start()
	if err != nil {
		return fmt.Errorf("hdr: could not start engine: %w: %w", ErrEngineStart, err)
	}

	err = arb.eng.Park(int(SlotLow))
	if err != nil {
		return fmt.Errorf("hdr: could not park engine on buffer 0: %w: %w", ErrEngineStart, err)
	}

	arb.ok = true
	arb.geo = g
	arb.bufs = [NumSlots]Buffer{b0, b1}
	arb.target = SlotLow
	return nil
}

// SelectTarget directs the engine writes to slot s.
// Callers must not select a new target while a capture is writing.
func (arb *Arbiter) SelectTarget(s Slot) error {
	if !s.Valid() {
		return fmt.Errorf("hdr: could not select target %d: %w", int(s), ErrInvalidSlot)
	}

	arb.mu.Lock()
	defer arb.mu.Unlock()

	if !arb.ok {
		return fmt.Errorf("hdr: could not select target %v: engine not configured: %w", s, ErrEngineTarget)
	}

	err := arb.eng.Park(int(s))
	if err != nil {
		return fmt.Errorf("hdr: could not park engine on %v: %w: %w", s, ErrEngineTarget, err)
	}
	arb.target = s
	return nil
}

// Target returns the slot the engine currently writes to,
// or -1 when the engine was not configured.
func (arb *Arbiter) Target() Slot {
	arb.mu.RLock()
	defer arb.mu.RUnlock()
	return arb.target
}

// Buffer returns the physical buffer of slot s.
func (arb *Arbiter) Buffer(s Slot) (Buffer, error) {
	if !s.Valid() {
		return Buffer{}, fmt.Errorf("hdr: no buffer for slot %d: %w", int(s), ErrInvalidSlot)
	}

	arb.mu.RLock()
	defer arb.mu.RUnlock()
	if !arb.ok {
		return Buffer{}, fmt.Errorf("hdr: no buffer for %v: engine not configured: %w", s, ErrEngineTarget)
	}
	return arb.bufs[s], nil
}

func (arb *Arbiter) Geometry() Geometry {
	arb.mu.RLock()
	defer arb.mu.RUnlock()
	return arb.geo
}

func (arb *Arbiter) configured() bool {
	arb.mu.RLock()
	defer arb.mu.RUnlock()
	return arb.ok
}
