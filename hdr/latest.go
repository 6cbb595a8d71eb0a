// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hdr

import (
	"context"
	"fmt"
	"sync"
)

// Latest keeps a copy of the most recent bracket pair, so consumers never
// read the DMA buffers themselves.
type Latest struct {
	mem FrameReader
	arb *Arbiter

	mu   sync.RWMutex
	ok   bool
	pair Pair
	data [NumSlots][]byte
}

func NewLatest(mem FrameReader, arb *Arbiter) *Latest {
	return &Latest{mem: mem, arb: arb}
}

// Consume copies both Ready buffers of the pair.
func (l *Latest) Consume(ctx context.Context, p Pair) error {
	var data [NumSlots][]byte
	for _, s := range []Slot{SlotLow, SlotHigh} {
		buf, err := l.arb.Buffer(s)
		if err != nil {
			return fmt.Errorf("hdr: could not copy %v frame: %w", s, err)
		}
		data[s] = make([]byte, buf.Len)
		err = l.mem.ReadFrame(buf, data[s])
		if err != nil {
			return fmt.Errorf("hdr: could not copy %v frame: %w", s, err)
		}
	}

	l.mu.Lock()
	l.ok = true
	l.pair = p
	l.data = data
	l.mu.Unlock()
	return nil
}

// Pair returns the latest pair and whether one was recorded.
func (l *Latest) Pair() (Pair, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pair, l.ok
}

// Frame returns a copy of the latest frame of slot s.
func (l *Latest) Frame(s Slot) (Frame, []byte, bool) {
	if !s.Valid() {
		return Frame{}, nil, false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.ok {
		return Frame{}, nil, false
	}
	raw := make([]byte, len(l.data[s]))
	copy(raw, l.data[s])
	return l.pair.Frame(s), raw, true
}

// Snapshot returns the latest pair along with a copy of both frames.
func (l *Latest) Snapshot() (Pair, [NumSlots][]byte, bool) {
	var data [NumSlots][]byte

	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.ok {
		return Pair{}, data, false
	}
	for i, raw := range l.data {
		data[i] = append([]byte(nil), raw...)
	}
	return l.pair, data, true
}

// Geometry returns the geometry of the recorded frames.
func (l *Latest) Geometry() Geometry { return l.arb.Geometry() }

var _ Sink = (*Latest)(nil)
