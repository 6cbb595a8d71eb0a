// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package snapshot periodically writes the latest bracket pair to disk.
//
// Each snapshot of cycle N produces:
//   - pair-<N>.hdr, the pair in the binary wire format,
//   - pair-<N>-low.pgm and pair-<N>-high.pgm, when frames have 1 byte per pixel.
package snapshot // import "github.com/go-lpc/hdrcam/internal/snapshot"

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-lpc/hdrcam/hdr"
	"github.com/go-lpc/hdrcam/internal/wire"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// ErrNoNewPair is returned when no pair completed since the last snapshot.
var ErrNoNewPair = errors.New("snapshot: no new pair")

// Writer writes snapshots of the pairs held by a Latest store.
type Writer struct {
	msg    *log.Logger
	dir    string
	latest func() *hdr.Latest

	mu   sync.Mutex
	last uint64 // cycle of the last snapshot
}

type Option func(w *Writer)

// WithLogger sets the logger of the writer.
func WithLogger(msg *log.Logger) Option {
	return func(w *Writer) { w.msg = msg }
}

// WithSource makes the writer snapshot the store returned by f, which
// may change between two snapshots or be nil.
func WithSource(f func() *hdr.Latest) Option {
	return func(w *Writer) { w.latest = f }
}

// New returns a writer creating snapshots of l under dir.
func New(dir string, l *hdr.Latest, opts ...Option) *Writer {
	w := &Writer{
		msg:    log.New(os.Stdout, "snapshot: ", 0),
		dir:    dir,
		latest: func() *hdr.Latest { return l },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Snap writes the latest pair and returns the names of the created files.
func (w *Writer) Snap() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	l := w.latest()
	if l == nil {
		return nil, ErrNoNewPair
	}
	rec, ok := wire.FromLatest(l)
	if !ok || rec.Pair.Cycle == w.last {
		return nil, ErrNoNewPair
	}

	err := os.MkdirAll(w.dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("snapshot: could not create output dir: %w", err)
	}

	var (
		cycle = rec.Pair.Cycle
		files = []string{filepath.Join(w.dir, fmt.Sprintf("pair-%d.hdr", cycle))}
		grp   errgroup.Group
	)
	grp.Go(func() error {
		return create(files[0], func(f io.Writer) error {
			return wire.NewEncoder(f).Encode(&rec)
		})
	})

	if rec.Geometry.BytesPerPixel == 1 {
		for _, s := range []hdr.Slot{hdr.SlotLow, hdr.SlotHigh} {
			fname := filepath.Join(w.dir, fmt.Sprintf("pair-%d-%v.pgm", cycle, s))
			files = append(files, fname)
			raw := rec.Data[s]
			grp.Go(func() error {
				return create(fname, func(f io.Writer) error {
					return wire.WritePGM(f, rec.Geometry, raw)
				})
			})
		}
	}

	err = grp.Wait()
	if err != nil {
		return nil, fmt.Errorf("snapshot: could not write cycle %d: %w", cycle, err)
	}

	w.last = cycle
	return files, nil
}

func create(fname string, write func(w io.Writer) error) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("could not create %q: %w", fname, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	err = write(bw)
	if err != nil {
		return fmt.Errorf("could not write %q: %w", fname, err)
	}
	err = bw.Flush()
	if err != nil {
		return fmt.Errorf("could not flush %q: %w", fname, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("could not close %q: %w", fname, err)
	}
	return nil
}

// Scheduler takes snapshots on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
	w    *Writer
}

// Schedule takes a snapshot with w on every activation of the cron spec,
// e.g. "@every 30s" or "*/5 * * * *".
func Schedule(spec string, w *Writer) (*Scheduler, error) {
	c := cron.New(
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(w.msg))),
	)
	_, err := c.AddFunc(spec, func() {
		files, err := w.Snap()
		switch {
		case errors.Is(err, ErrNoNewPair):
			// loop stalled or stopped.
		case err != nil:
			w.msg.Printf("could not take snapshot: %+v", err)
		default:
			w.msg.Printf("wrote %v", files)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: invalid schedule %q: %w", spec, err)
	}

	c.Start()
	return &Scheduler{cron: c, w: w}, nil
}

// Stop stops the scheduler and waits for a running snapshot to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
