// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hdr

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Sink consumes the outcome of completed bracket cycles.
// Consume is called from the bracket loop, while both slots are Ready.
type Sink interface {
	Consume(ctx context.Context, p Pair) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, p Pair) error

func (f SinkFunc) Consume(ctx context.Context, p Pair) error { return f(ctx, p) }

// Stats summarizes the activity of a bracket loop.
type Stats struct {
	Cycles   uint64 `json:"cycles"`   // completed cycles
	Failures uint64 `json:"failures"` // failed cycles
	Skipped  uint64 `json:"skipped"`  // failed cycles ignored by the error policy
}

// minRetryDelay bounds the rate of attempts after a failed cycle.
const minRetryDelay = time.Millisecond

// Controller runs bracket cycles: LOW exposure into slot 0,
// then HIGH exposure into slot 1.
// Only one cycle runs at a time: the sensor keeps the exposure of a cycle
// until its HIGH frame is in slot 1 and the sinks are done with it.
type Controller struct {
	sensor Sensor
	seq    *Sequencer
	msg    *log.Logger
	now    func() time.Time

	delay   time.Duration
	policy  Policy
	retries int

	cycle sync.Mutex // held from the LOW exposure until the sinks returned

	mu    sync.RWMutex
	sinks []Sink
	low   Exposure
	high  Exposure
	stats Stats
	last  *Pair
}

func newController(sensor Sensor, seq *Sequencer, cfg config) *Controller {
	return &Controller{
		sensor:  sensor,
		seq:     seq,
		msg:     cfg.msg,
		sinks:   append([]Sink(nil), cfg.sinks...),
		now:     cfg.now,
		delay:   cfg.CycleDelay,
		policy:  cfg.Policy,
		retries: cfg.Retries,
		low:     cfg.Low,
		high:    cfg.High,
	}
}

// SetExposures changes the bracket exposures, starting with the next cycle.
func (ctl *Controller) SetExposures(low, high Exposure) error {
	err := low.Validate()
	if err != nil {
		return fmt.Errorf("hdr: invalid low exposure: %w", err)
	}
	err = high.Validate()
	if err != nil {
		return fmt.Errorf("hdr: invalid high exposure: %w", err)
	}

	ctl.mu.Lock()
	ctl.low = low
	ctl.high = high
	ctl.mu.Unlock()
	return nil
}

// AddSink registers a consumer of completed cycles.
func (ctl *Controller) AddSink(sink Sink) {
	ctl.mu.Lock()
	ctl.sinks = append(ctl.sinks, sink)
	ctl.mu.Unlock()
}

func (ctl *Controller) Exposures() (low, high Exposure) {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	return ctl.low, ctl.high
}

func (ctl *Controller) Stats() Stats {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	return ctl.stats
}

// Last returns the most recently completed pair.
func (ctl *Controller) Last() (Pair, bool) {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	if ctl.last == nil {
		return Pair{}, false
	}
	return *ctl.last, true
}

// RunCycle runs one bracket cycle, notifies the sinks and waits for the
// inter-cycle delay.
// RunCycle fails with ErrBusy, without touching the sensor, while another
// cycle is in flight.
func (ctl *Controller) RunCycle(ctx context.Context) (Pair, error) {
	if !ctl.cycle.TryLock() {
		return Pair{}, fmt.Errorf("hdr: could not run cycle: %w", ErrBusy)
	}
	pair, err := ctl.runCycle(ctx)
	ctl.cycle.Unlock()
	if err != nil {
		return Pair{}, err
	}

	err = sleep(ctx, ctl.delay)
	if err != nil && ctx.Err() == nil {
		return pair, err
	}
	return pair, nil
}

// runCycle must be called with the cycle lock held.
func (ctl *Controller) runCycle(ctx context.Context) (Pair, error) {
	low, high := ctl.Exposures()

	lo, err := ctl.capture(ctx, SlotLow, low)
	if err != nil {
		ctl.fail()
		return Pair{}, err
	}

	hi, err := ctl.capture(ctx, SlotHigh, high)
	if err != nil {
		ctl.fail()
		return Pair{}, err
	}

	ctl.mu.Lock()
	ctl.stats.Cycles++
	pair := Pair{
		Cycle: ctl.stats.Cycles,
		Low:   lo,
		High:  hi,
	}
	pair.Low.Cycle = pair.Cycle
	pair.High.Cycle = pair.Cycle
	ctl.last = &pair
	sinks := ctl.sinks
	ctl.mu.Unlock()

	for _, sink := range sinks {
		err := sink.Consume(ctx, pair)
		if err != nil {
			ctl.msg.Printf("could not publish cycle %d: %+v", pair.Cycle, err)
		}
	}

	return pair, nil
}

func (ctl *Controller) capture(ctx context.Context, s Slot, e Exposure) (Frame, error) {
	err := ctl.sensor.SetExposure(e)
	if err != nil {
		return Frame{}, fmt.Errorf("hdr: could not set exposure %d for %v: %w", e, s, err)
	}

	err = ctl.seq.CaptureFrame(ctx, s)
	if err != nil {
		return Frame{}, err
	}

	buf, err := ctl.seq.arb.Buffer(s)
	if err != nil {
		return Frame{}, err
	}

	return Frame{
		Slot:     s,
		Exposure: e,
		Addr:     buf.Addr,
		Time:     ctl.now(),
	}, nil
}

func (ctl *Controller) fail() {
	ctl.mu.Lock()
	ctl.stats.Failures++
	ctl.mu.Unlock()
}

// Run repeats bracket cycles until ctx is done, in which case it returns nil,
// or until the error policy gives up on a failed cycle.
// A cycle started with RunCycle is let finish before the first one of Run.
// Failed cycles are followed by the inter-cycle delay, and at least
// minRetryDelay, before the next attempt.
func (ctl *Controller) Run(ctx context.Context) error {
	fails := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ctl.cycle.Lock()
		_, err := ctl.runCycle(ctx)
		ctl.cycle.Unlock()
		if err == nil {
			fails = 0
			if sleep(ctx, ctl.delay) != nil {
				return nil
			}
			continue
		}

		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil
		}

		switch ctl.policy {
		case PolicySkip:
			ctl.msg.Printf("skipping failed cycle: %+v", err)
			ctl.skip()

		case PolicyRetry:
			fails++
			if fails > ctl.retries {
				return fmt.Errorf("hdr: bracket cycle failed %d times: %w", fails, err)
			}
			ctl.msg.Printf("retrying failed cycle (%d/%d): %+v", fails, ctl.retries, err)
			ctl.skip()

		default:
			return err
		}

		if sleep(ctx, max(ctl.delay, minRetryDelay)) != nil {
			return nil
		}
	}
}

func (ctl *Controller) skip() {
	ctl.mu.Lock()
	ctl.stats.Skipped++
	ctl.mu.Unlock()
}
