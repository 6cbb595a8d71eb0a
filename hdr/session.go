// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hdr

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Session owns the hardware capabilities of one acquisition and the
// capture components built on top of them.
type Session struct {
	cfg config
	hw  Hardware
	msg *log.Logger

	arb    *Arbiter
	seq    *Sequencer
	ctl    *Controller
	latest *Latest // nil without frame memory access

	mu     sync.Mutex
	booted bool
	run    *loop
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewSession creates a session driving hw.
func NewSession(hw Hardware, opts ...Option) (*Session, error) {
	err := hw.validate()
	if err != nil {
		return nil, err
	}

	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("hdr: invalid session configuration: %w", err)
	}

	sess := &Session{
		cfg: cfg,
		hw:  hw,
		msg: cfg.msg,
		arb: NewArbiter(hw.Engine),
	}
	sess.seq = NewSequencer(sess.arb, hw.Cache, hw.Waiter, cfg.FrameDelay, cfg.timeout())

	if hw.Memory != nil {
		sess.latest = NewLatest(hw.Memory, sess.arb)
		cfg.sinks = append([]Sink{sess.latest}, cfg.sinks...)
	}
	sess.ctl = newController(hw.Sensor, sess.seq, cfg)

	return sess, nil
}

// Boot initializes the sensor, then configures and starts the DMA engine
// parked on buffer 0. Errors wrap ErrBringUp: no capture can run on a
// session that failed to boot, but Boot may be called again.
func (sess *Session) Boot(ctx context.Context) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.booted {
		return fmt.Errorf("hdr: session already booted: %w", ErrBringUp)
	}

	err := ctx.Err()
	if err != nil {
		return fmt.Errorf("hdr: could not boot: %w: %w", ErrBringUp, err)
	}

	sess.msg.Printf("initializing sensor...")
	err = sess.hw.Sensor.Initialize()
	if err != nil {
		return fmt.Errorf("hdr: could not initialize sensor: %w: %w", ErrBringUp, err)
	}

	if !sess.arb.configured() {
		var (
			geo  = sess.cfg.Geometry
			bufs = Layout(sess.cfg.BaseAddr, geo)
		)
		sess.msg.Printf(
			"configuring engine (%dx%dx%d, buffers=0x%x, 0x%x)...",
			geo.Width, geo.Height, geo.BytesPerPixel,
			bufs[SlotLow].Addr, bufs[SlotHigh].Addr,
		)
		err = sess.arb.Configure(bufs[SlotLow], bufs[SlotHigh], geo)
		if err != nil {
			return fmt.Errorf("hdr: could not configure engine: %w: %w", ErrBringUp, err)
		}
	}

	sess.booted = true
	sess.msg.Printf("session booted")
	return nil
}

func (sess *Session) Booted() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.booted
}

// Start runs the bracket loop in the background until Stop is called
// or the error policy halts it.
func (sess *Session) Start(ctx context.Context) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !sess.booted {
		return fmt.Errorf("hdr: could not start bracket loop: session not booted")
	}
	if sess.running() {
		return fmt.Errorf("hdr: bracket loop already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	run := &loop{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sess.run = run

	low, high := sess.ctl.Exposures()
	sess.msg.Printf("starting bracket loop (low=%d, high=%d)...", low, high)
	go func() {
		defer close(run.done)
		run.err = sess.ctl.Run(ctx)
		if run.err != nil {
			sess.msg.Printf("bracket loop halted: %+v", run.err)
			if sess.cfg.onHalt != nil {
				sess.cfg.onHalt(run.err)
			}
		}
	}()
	return nil
}

// Stop stops the bracket loop and returns the error that halted it, if any.
func (sess *Session) Stop() error {
	sess.mu.Lock()
	run := sess.run
	sess.run = nil
	sess.mu.Unlock()

	if run == nil {
		return nil
	}
	run.cancel()
	<-run.done
	sess.msg.Printf("bracket loop stopped (cycles=%d)", sess.ctl.Stats().Cycles)
	return run.err
}

// Wait blocks until the bracket loop stops and returns its error.
func (sess *Session) Wait() error {
	sess.mu.Lock()
	run := sess.run
	sess.mu.Unlock()

	if run == nil {
		return nil
	}
	<-run.done
	return run.err
}

func (sess *Session) Running() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.running()
}

func (sess *Session) running() bool {
	if sess.run == nil {
		return false
	}
	select {
	case <-sess.run.done:
		return false
	default:
		return true
	}
}

// RunCycle runs a single bracket cycle.
// It fails while the background loop is running.
func (sess *Session) RunCycle(ctx context.Context) (Pair, error) {
	sess.mu.Lock()
	switch {
	case !sess.booted:
		sess.mu.Unlock()
		return Pair{}, fmt.Errorf("hdr: could not run cycle: session not booted")
	case sess.running():
		sess.mu.Unlock()
		return Pair{}, fmt.Errorf("hdr: could not run cycle: bracket loop running: %w", ErrBusy)
	}
	sess.mu.Unlock()

	return sess.ctl.RunCycle(ctx)
}

// Status describes the current state of a session.
type Status struct {
	Booted   bool                   `json:"booted"`
	Running  bool                   `json:"running"`
	Config   Config                 `json:"config"`
	Low      Exposure               `json:"exposure-low"`
	High     Exposure               `json:"exposure-high"`
	Target   Slot                   `json:"target"`
	States   [NumSlots]CaptureState `json:"states"`
	Captures [NumSlots]uint64       `json:"captures"`
	Stats    Stats                  `json:"stats"`
	Last     *Pair                  `json:"last,omitempty"`
}

func (sess *Session) Status() Status {
	sess.mu.Lock()
	st := Status{
		Booted:  sess.booted,
		Running: sess.running(),
		Config:  sess.cfg.Config,
	}
	sess.mu.Unlock()

	st.Low, st.High = sess.ctl.Exposures()
	st.Target = sess.arb.Target()
	st.Stats = sess.ctl.Stats()
	for _, s := range []Slot{SlotLow, SlotHigh} {
		st.States[s] = sess.seq.State(s)
		st.Captures[s] = sess.seq.Captures(s)
	}
	if p, ok := sess.ctl.Last(); ok {
		st.Last = &p
	}
	return st
}

func (sess *Session) Config() Config          { return sess.cfg.Config }
func (sess *Session) Arbiter() *Arbiter       { return sess.arb }
func (sess *Session) Sequencer() *Sequencer   { return sess.seq }
func (sess *Session) Controller() *Controller { return sess.ctl }

// Latest returns the store of the most recent pair,
// or nil when the hardware gives no access to frame memory.
func (sess *Session) Latest() *Latest { return sess.latest }

// Engine returns the DMA engine driven by the session.
func (sess *Session) Engine() Engine { return sess.hw.Engine }

// Close stops the bracket loop and releases the hardware.
func (sess *Session) Close() error {
	err := sess.Stop()
	if err != nil {
		sess.msg.Printf("bracket loop error: %+v", err)
	}
	return sess.hw.close()
}
