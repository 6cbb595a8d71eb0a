// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hdr

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSession(t *testing.T, hw *fakeHW, waiter bool, opts ...Option) *Session {
	t.Helper()

	sess, err := NewSession(hw.hardware(waiter), append(fastOptions(), opts...)...)
	if err != nil {
		t.Fatalf("could not create session: %+v", err)
	}
	err = sess.Boot(context.Background())
	if err != nil {
		t.Fatalf("could not boot session: %+v", err)
	}
	hw.j.reset()
	return sess
}

func TestControllerRunCycle(t *testing.T) {
	hw := newFakeHW()
	sess := newTestSession(t, hw, true)
	ctl := sess.Controller()

	pair, err := ctl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("could not run cycle: %+v", err)
	}

	want := []string{
		"exposure=100", "park=0", "wait", "invalidate=0x10000000+307200",
		"exposure=900", "park=1", "wait", "invalidate=0x1004b000+307200",
	}
	if got := hw.j.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid cycle sequence:\ngot= %q\nwant=%q", got, want)
	}

	if got, want := pair.Cycle, uint64(1); got != want {
		t.Fatalf("invalid cycle: got=%d, want=%d", got, want)
	}
	for _, tc := range []struct {
		frame Frame
		slot  Slot
		expo  Exposure
		addr  uint64
	}{
		{pair.Low, SlotLow, DefaultLow, 0x10000000},
		{pair.High, SlotHigh, DefaultHigh, 0x1004b000},
	} {
		if tc.frame.Slot != tc.slot || tc.frame.Exposure != tc.expo ||
			tc.frame.Addr != tc.addr || tc.frame.Cycle != 1 {
			t.Fatalf("invalid frame: got=%+v, want slot=%v expo=%d addr=0x%x",
				tc.frame, tc.slot, tc.expo, tc.addr,
			)
		}
	}

	last, ok := ctl.Last()
	if !ok || !reflect.DeepEqual(last, pair) {
		t.Fatalf("invalid last pair: got=%+v, want=%+v", last, pair)
	}
}

func TestControllerExposureAssociation(t *testing.T) {
	hw := newFakeHW()
	sess := newTestSession(t, hw, false)
	ctl := sess.Controller()

	for i, tc := range []struct {
		low, high Exposure
	}{
		{100, 900},
		{0, 1023},
		{512, 3},
		{3, 512},
		{1023, 0},
	} {
		err := ctl.SetExposures(tc.low, tc.high)
		if err != nil {
			t.Fatalf("could not set exposures: %+v", err)
		}

		pair, err := ctl.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("could not run cycle %d: %+v", i, err)
		}
		if got, want := pair.Low.Exposure, tc.low; got != want {
			t.Fatalf("cycle %d: invalid low exposure: got=%d, want=%d", i, got, want)
		}
		if got, want := pair.High.Exposure, tc.high; got != want {
			t.Fatalf("cycle %d: invalid high exposure: got=%d, want=%d", i, got, want)
		}
		if pair.Low.Slot != SlotLow || pair.High.Slot != SlotHigh {
			t.Fatalf("cycle %d: invalid slots: %+v", i, pair)
		}

		n := len(hw.sensor.expos)
		if got, want := hw.sensor.expos[n-2:], []Exposure{tc.low, tc.high}; !reflect.DeepEqual(got, want) {
			t.Fatalf("cycle %d: invalid programmed exposures: got=%v, want=%v", i, got, want)
		}

		// latest frames carry the exposure they were captured with.
		_, raw, ok := sess.Latest().Frame(SlotLow)
		if !ok || raw[0] != byte(tc.low>>2) {
			t.Fatalf("cycle %d: invalid low frame content", i)
		}
		_, raw, ok = sess.Latest().Frame(SlotHigh)
		if !ok || raw[len(raw)-1] != byte(tc.high>>2) {
			t.Fatalf("cycle %d: invalid high frame content", i)
		}
	}

	if got, want := ctl.Stats().Cycles, uint64(5); got != want {
		t.Fatalf("invalid number of cycles: got=%d, want=%d", got, want)
	}

	err := ctl.SetExposures(1024, 900)
	if !errors.Is(err, ErrInvalidExposure) {
		t.Fatalf("expected an invalid exposure error, got=%v", err)
	}
	err = ctl.SetExposures(100, 4096)
	if !errors.Is(err, ErrInvalidExposure) {
		t.Fatalf("expected an invalid exposure error, got=%v", err)
	}
	low, high := ctl.Exposures()
	if low != 1023 || high != 0 {
		t.Fatalf("rejected exposures should not be applied: low=%d, high=%d", low, high)
	}
}

func TestControllerSensorFailure(t *testing.T) {
	hw := newFakeHW()
	sess := newTestSession(t, hw, false)

	boom := errors.New("boom")
	hw.sensor.errExpo = boom

	_, err := sess.Controller().RunCycle(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("invalid error: %v", err)
	}

	if got := hw.j.list(); !reflect.DeepEqual(got, []string{"exposure=100"}) {
		t.Fatalf("failed exposure should abort the cycle: %q", got)
	}
	if got, want := sess.Controller().Stats().Failures, uint64(1); got != want {
		t.Fatalf("invalid failures: got=%d, want=%d", got, want)
	}
}

func TestControllerSinks(t *testing.T) {
	var (
		hw    = newFakeHW()
		pairs []Pair
		fails atomic.Int32
	)

	sess := newTestSession(
		t, hw, false,
		WithSink(SinkFunc(func(ctx context.Context, p Pair) error {
			pairs = append(pairs, p)
			return nil
		})),
		WithSink(SinkFunc(func(ctx context.Context, p Pair) error {
			fails.Add(1)
			return errors.New("sink failure")
		})),
	)

	for i := 0; i < 3; i++ {
		_, err := sess.Controller().RunCycle(context.Background())
		if err != nil {
			t.Fatalf("sink failures should not fail the cycle: %+v", err)
		}
	}

	if got, want := len(pairs), 3; got != want {
		t.Fatalf("invalid number of notified pairs: got=%d, want=%d", got, want)
	}
	for i, p := range pairs {
		if got, want := p.Cycle, uint64(i+1); got != want {
			t.Fatalf("invalid pair cycle: got=%d, want=%d", got, want)
		}
	}
	if got, want := fails.Load(), int32(3); got != want {
		t.Fatalf("invalid number of failed sink calls: got=%d, want=%d", got, want)
	}
}

// flakySensor fails the exposure programming of selected cycles.
type flakySensor struct {
	fakeSensor
	calls int
	fail  func(call int) bool
}

func (s *flakySensor) SetExposure(e Exposure) error {
	s.calls++
	if s.fail(s.calls) {
		return errors.New("flaky bus")
	}
	return s.fakeSensor.SetExposure(e)
}

func TestControllerPolicy(t *testing.T) {
	for _, tc := range []struct {
		name    string
		policy  Policy
		retries int
		fail    func(call int) bool
		cycles  uint64 // cycles to complete before canceling
		err     bool
		skipped uint64
	}{
		{
			name:   "halt",
			policy: PolicyHalt,
			fail:   func(call int) bool { return call == 3 },
			err:    true,
		},
		{
			name:    "skip",
			policy:  PolicySkip,
			fail:    func(call int) bool { return call%4 == 1 },
			cycles:  4,
			skipped: 4,
		},
		{
			name:    "retry-recovers",
			policy:  PolicyRetry,
			retries: 2,
			fail:    func(call int) bool { return call <= 2 },
			cycles:  3,
			skipped: 2,
		},
		{
			name:    "retry-gives-up",
			policy:  PolicyRetry,
			retries: 2,
			fail:    func(call int) bool { return call > 2 },
			err:     true,
			skipped: 2,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hw := newFakeHW()
			sensor := &flakySensor{fakeSensor: fakeSensor{j: hw.j}, fail: tc.fail}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sink := SinkFunc(func(_ context.Context, p Pair) error {
				if tc.cycles > 0 && p.Cycle >= tc.cycles {
					cancel()
				}
				return nil
			})

			hwi := hw.hardware(false)
			hwi.Sensor = sensor
			sess, err := NewSession(hwi, append(
				fastOptions(),
				WithPolicy(tc.policy, tc.retries),
				WithSink(sink),
			)...)
			if err != nil {
				t.Fatalf("could not create session: %+v", err)
			}
			err = sess.Boot(ctx)
			if err != nil {
				t.Fatalf("could not boot: %+v", err)
			}

			done := make(chan error, 1)
			go func() { done <- sess.Controller().Run(ctx) }()

			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Fatalf("bracket loop did not stop")
			}

			switch {
			case tc.err && err == nil:
				t.Fatalf("expected an error")
			case !tc.err && err != nil:
				t.Fatalf("could not run bracket loop: %+v", err)
			}

			stats := sess.Controller().Stats()
			if got, want := stats.Skipped, tc.skipped; got != want {
				t.Fatalf("invalid skipped cycles: got=%d, want=%d", got, want)
			}
			if tc.cycles > 0 && stats.Cycles != tc.cycles {
				t.Fatalf("invalid cycles: got=%d, want=%d", stats.Cycles, tc.cycles)
			}
		})
	}
}

func TestControllerRunCanceled(t *testing.T) {
	hw := newFakeHW()
	hw.waiter.block = true
	sess := newTestSession(t, hw, true, WithFrameTimeout(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Controller().Run(ctx) }()

	for sess.Sequencer().State(SlotLow) != Writing {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("canceled loop should not report an error: %+v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("bracket loop did not stop")
	}
}

// gateWaiter holds the frame wait of slot 1 until released.
type gateWaiter struct {
	calls atomic.Int32
	gate  chan struct{}
}

func (w *gateWaiter) WaitFrame(ctx context.Context) error {
	if w.calls.Add(1)%2 == 1 {
		return nil
	}
	select {
	case <-w.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestControllerCycleInFlight(t *testing.T) {
	hw := newFakeHW()
	waiter := &gateWaiter{gate: make(chan struct{})}
	hwi := hw.hardware(false)
	hwi.Waiter = waiter
	sess, err := NewSession(hwi, append(fastOptions(), WithFrameTimeout(time.Hour))...)
	if err != nil {
		t.Fatalf("could not create session: %+v", err)
	}
	err = sess.Boot(context.Background())
	if err != nil {
		t.Fatalf("could not boot session: %+v", err)
	}
	hw.j.reset()

	type result struct {
		pair Pair
		err  error
	}
	first := make(chan result, 1)
	go func() {
		p, err := sess.RunCycle(context.Background())
		first <- result{p, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for sess.Sequencer().State(SlotHigh) != Writing {
		if time.Now().After(deadline) {
			t.Fatalf("slot 1 never started writing")
		}
		time.Sleep(time.Millisecond)
	}

	_, err = sess.RunCycle(context.Background())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected a busy error, got=%v", err)
	}
	want := []string{"exposure=100", "park=0", "invalidate=0x10000000+307200", "exposure=900", "park=1"}
	if got := hw.j.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("second cycle touched the hardware:\ngot= %q\nwant=%q", got, want)
	}

	close(waiter.gate)
	var res result
	select {
	case res = <-first:
	case <-time.After(5 * time.Second):
		t.Fatalf("first cycle did not complete")
	}
	if res.err != nil {
		t.Fatalf("could not run first cycle: %+v", res.err)
	}
	if got, want := res.pair.High.Exposure, DefaultHigh; got != want {
		t.Fatalf("invalid slot 1 exposure: got=%d, want=%d", got, want)
	}

	buf, err := sess.Arbiter().Buffer(SlotHigh)
	if err != nil {
		t.Fatalf("could not get slot 1 buffer: %+v", err)
	}
	img := make([]byte, buf.Len)
	err = hw.mem.ReadFrame(buf, img)
	if err != nil {
		t.Fatalf("could not read slot 1: %+v", err)
	}
	if got, want := img[0], byte(DefaultHigh>>2); got != want {
		t.Fatalf("slot 1 not captured at high exposure: got=%d, want=%d", got, want)
	}

	_, err = sess.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("could not run cycle after the first one completed: %+v", err)
	}
}

func TestControllerFailureBackoff(t *testing.T) {
	hw := newFakeHW()
	sensor := &flakySensor{
		fakeSensor: fakeSensor{j: hw.j},
		fail:       func(int) bool { return true },
	}
	hwi := hw.hardware(false)
	hwi.Sensor = sensor

	const delay = 10 * time.Millisecond
	sess, err := NewSession(hwi,
		discard(),
		WithFrameDelay(0),
		WithCycleDelay(delay),
		WithPolicy(PolicySkip, 0),
	)
	if err != nil {
		t.Fatalf("could not create session: %+v", err)
	}
	err = sess.Boot(context.Background())
	if err != nil {
		t.Fatalf("could not boot session: %+v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*delay)
	defer cancel()

	err = sess.Controller().Run(ctx)
	if err != nil {
		t.Fatalf("could not run bracket loop: %+v", err)
	}

	stats := sess.Controller().Stats()
	if stats.Failures == 0 || stats.Failures > 11 {
		t.Fatalf("invalid number of failed cycles in %v: got=%d, want in [1, 11]",
			10*delay, stats.Failures,
		)
	}
	if stats.Skipped != stats.Failures {
		t.Fatalf("invalid skipped cycles: got=%d, want=%d", stats.Skipped, stats.Failures)
	}
}
