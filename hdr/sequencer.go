// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hdr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Sequencer runs single frame captures:
//
//	Idle|Ready -> Targeted -> Writing -> Ready
//
// A slot only becomes Ready once the frame is complete and the CPU view of
// its buffer was invalidated.
//
// Without a FrameWaiter the frame is assumed complete after a fixed delay.
// An exposure programmed less than a frame period before the capture may
// then not be reflected in the frame, and a frame still being written past
// the delay is not detected.
//
// In park mode the engine keeps writing the slot it is parked on. Once
// CaptureFrame(SlotHigh) returns, slot 1 is Ready but still the write
// target, so a consumer copying it may see rows of the next frame.
// Those rows carry the same HIGH exposure.
type Sequencer struct {
	arb     *Arbiter
	cache   Cache
	waiter  FrameWaiter
	delay   time.Duration
	timeout time.Duration

	busy atomic.Bool

	mu    sync.RWMutex
	state [NumSlots]CaptureState
	count [NumSlots]uint64
}

// NewSequencer creates a capture sequencer.
// waiter may be nil: captures then wait for the fixed delay.
// timeout bounds the wait on the waiter.
func NewSequencer(arb *Arbiter, cache Cache, waiter FrameWaiter, delay, timeout time.Duration) *Sequencer {
	return &Sequencer{
		arb:     arb,
		cache:   cache,
		waiter:  waiter,
		delay:   delay,
		timeout: timeout,
	}
}

// CaptureFrame captures the next complete frame into slot s and returns
// once the slot is Ready. Only one capture may be in flight.
func (seq *Sequencer) CaptureFrame(ctx context.Context, s Slot) error {
	if !s.Valid() {
		return fmt.Errorf("hdr: could not capture into slot %d: %w", int(s), ErrInvalidSlot)
	}

	if !seq.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("hdr: could not capture into %v: %w", s, ErrBusy)
	}
	defer seq.busy.Store(false)

	prev := seq.State(s)
	seq.set(s, Targeted)

	err := seq.arb.SelectTarget(s)
	if err != nil {
		seq.set(s, prev)
		return fmt.Errorf("hdr: could not capture into %v: %w", s, err)
	}

	seq.set(s, Writing)

	err = seq.wait(ctx)
	if err != nil {
		seq.set(s, Idle)
		return fmt.Errorf("hdr: could not capture into %v: %w", s, err)
	}

	buf, err := seq.arb.Buffer(s)
	if err != nil {
		seq.set(s, Idle)
		return fmt.Errorf("hdr: could not capture into %v: %w", s, err)
	}

	err = seq.cache.Invalidate(buf.Addr, buf.Len)
	if err != nil {
		seq.set(s, Idle)
		return fmt.Errorf(
			"hdr: could not invalidate %v [0x%x, 0x%x): %w: %w",
			s, buf.Addr, buf.End(), ErrCacheInvalidate, err,
		)
	}

	seq.mu.Lock()
	seq.state[s] = Ready
	seq.count[s]++
	seq.mu.Unlock()

	return nil
}

func (seq *Sequencer) wait(ctx context.Context) error {
	if seq.waiter == nil {
		return sleep(ctx, seq.delay)
	}

	var (
		tctx   = ctx
		cancel = func() {}
	)
	if seq.timeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, seq.timeout)
	}
	defer cancel()

	err := seq.waiter.WaitFrame(tctx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("hdr: no frame completion after %v: %w", seq.timeout, ErrFrameTimeout)
	default:
		return fmt.Errorf("hdr: could not wait for frame completion: %w", err)
	}
}

// State returns the capture state of slot s.
func (seq *Sequencer) State(s Slot) CaptureState {
	if !s.Valid() {
		return Idle
	}
	seq.mu.RLock()
	defer seq.mu.RUnlock()
	return seq.state[s]
}

// Captures returns the number of completed captures into slot s.
func (seq *Sequencer) Captures(s Slot) uint64 {
	if !s.Valid() {
		return 0
	}
	seq.mu.RLock()
	defer seq.mu.RUnlock()
	return seq.count[s]
}

func (seq *Sequencer) set(s Slot, st CaptureState) {
	seq.mu.Lock()
	seq.state[s] = st
	seq.mu.Unlock()
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
