// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-lpc/hdrcam/hdr"
	"github.com/go-lpc/hdrcam/internal/fakehw"
	"github.com/go-lpc/hdrcam/internal/wire"
)

func newTestSession(t *testing.T, g hdr.Geometry) *hdr.Session {
	t.Helper()
	const base = 0x10000000
	sess, err := hdr.NewSession(
		fakehw.New(base, g).Hardware(),
		hdr.WithLogger(log.New(io.Discard, "", 0)),
		hdr.WithGeometry(g),
		hdr.WithBaseAddr(base),
		hdr.WithFrameDelay(0),
		hdr.WithCycleDelay(0),
	)
	if err != nil {
		t.Fatalf("could not create session: %+v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	err = sess.Boot(context.Background())
	if err != nil {
		t.Fatalf("could not boot session: %+v", err)
	}
	return sess
}

func TestWriter(t *testing.T) {
	geom := hdr.Geometry{Width: 8, Height: 2, BytesPerPixel: 1}
	sess := newTestSession(t, geom)
	dir := filepath.Join(t.TempDir(), "snaps")
	w := New(dir, sess.Latest(), WithLogger(log.New(io.Discard, "", 0)))

	_, err := w.Snap()
	if !errors.Is(err, ErrNoNewPair) {
		t.Fatalf("expected no pair, got=%v", err)
	}

	_, err = sess.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("could not run cycle: %+v", err)
	}

	files, err := w.Snap()
	if err != nil {
		t.Fatalf("could not take snapshot: %+v", err)
	}
	want := []string{
		filepath.Join(dir, "pair-1.hdr"),
		filepath.Join(dir, "pair-1-low.pgm"),
		filepath.Join(dir, "pair-1-high.pgm"),
	}
	if len(files) != len(want) {
		t.Fatalf("invalid files: %v", files)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("invalid file %d: got=%q, want=%q", i, files[i], want[i])
		}
	}

	raw, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("could not read snapshot: %+v", err)
	}
	var rec wire.Record
	err = wire.NewDecoder(bytes.NewReader(raw)).Decode(&rec)
	if err != nil {
		t.Fatalf("could not decode snapshot: %+v", err)
	}
	_, lo, _ := sess.Latest().Frame(hdr.SlotLow)
	if rec.Pair.Cycle != 1 || !bytes.Equal(rec.Data[hdr.SlotLow], lo) {
		t.Fatalf("invalid snapshot record: %+v", rec.Pair)
	}

	pgm, err := os.ReadFile(files[2])
	if err != nil {
		t.Fatalf("could not read PGM: %+v", err)
	}
	if got, want := len(pgm), len("P5\n8 2\n255\n")+geom.FrameSize(); got != want {
		t.Fatalf("invalid PGM size: got=%d, want=%d", got, want)
	}

	_, err = w.Snap()
	if !errors.Is(err, ErrNoNewPair) {
		t.Fatalf("expected no new pair, got=%v", err)
	}
}

func TestWriterDepth(t *testing.T) {
	sess := newTestSession(t, hdr.Geometry{Width: 4, Height: 2, BytesPerPixel: 2})
	_, err := sess.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("could not run cycle: %+v", err)
	}

	w := New(t.TempDir(), sess.Latest(), WithLogger(log.New(io.Discard, "", 0)))
	files, err := w.Snap()
	if err != nil {
		t.Fatalf("could not take snapshot: %+v", err)
	}
	if len(files) != 1 {
		t.Fatalf("invalid files: %v", files)
	}
}

func TestWriterSource(t *testing.T) {
	var cur *hdr.Latest
	w := New(
		t.TempDir(), nil,
		WithLogger(log.New(io.Discard, "", 0)),
		WithSource(func() *hdr.Latest { return cur }),
	)

	_, err := w.Snap()
	if !errors.Is(err, ErrNoNewPair) {
		t.Fatalf("expected no new pair without a source, got=%v", err)
	}

	sess := newTestSession(t, hdr.Geometry{Width: 8, Height: 2, BytesPerPixel: 1})
	_, err = sess.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("could not run cycle: %+v", err)
	}
	cur = sess.Latest()

	files, err := w.Snap()
	if err != nil {
		t.Fatalf("could not take snapshot: %+v", err)
	}
	if len(files) != 3 {
		t.Fatalf("invalid files: %v", files)
	}
}

func TestSchedule(t *testing.T) {
	sess := newTestSession(t, hdr.Geometry{Width: 8, Height: 2, BytesPerPixel: 1})
	_, err := sess.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("could not run cycle: %+v", err)
	}

	dir := t.TempDir()
	w := New(dir, sess.Latest(), WithLogger(log.New(io.Discard, "", 0)))

	_, err = Schedule("not a schedule", w)
	if err == nil {
		t.Fatalf("expected an invalid schedule error")
	}

	sched, err := Schedule("@every 1s", w)
	if err != nil {
		t.Fatalf("could not schedule snapshots: %+v", err)
	}

	fname := filepath.Join(dir, "pair-1.hdr")
	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, err := os.Stat(fname); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no snapshot written")
		}
		time.Sleep(10 * time.Millisecond)
	}
	sched.Stop()
}
