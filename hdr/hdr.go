// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hdr drives exposure-bracketed (HDR) double-buffer image capture.
//
// A bracket cycle programs the LOW exposure on the sensor and captures the
// next frame into slot 0, then programs the HIGH exposure and captures into
// slot 1. The two frame buffers carry no header: slot 0 always holds the most
// recent LOW-exposure frame and slot 1 the most recent HIGH-exposure frame.
// Consumers rely on that positional convention only.
package hdr // import "github.com/go-lpc/hdrcam/hdr"

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBusTransaction  = errors.New("hdr: bus transaction failed")
	ErrEngineConfig    = errors.New("hdr: engine configuration failed")
	ErrEngineTarget    = errors.New("hdr: invalid engine target")
	ErrEngineStart     = errors.New("hdr: engine start failed")
	ErrInvalidExposure = errors.New("hdr: invalid exposure")
	ErrFrameTimeout    = errors.New("hdr: frame completion timeout")
	ErrCacheInvalidate = errors.New("hdr: cache invalidation failed")
	ErrBringUp         = errors.New("hdr: bring-up failed")

	ErrInvalidSlot = fmt.Errorf("hdr: invalid slot: %w", ErrEngineTarget)
	ErrBusy        = fmt.Errorf("hdr: capture already in flight: %w", ErrEngineTarget)
)

// Exposure is a 10-bit sensor exposure level.
type Exposure uint16

const (
	MaxExposure Exposure = 1023

	DefaultLow  Exposure = 100
	DefaultHigh Exposure = 900
)

// Validate returns ErrInvalidExposure when e does not fit in 10 bits.
func (e Exposure) Validate() error {
	if e > MaxExposure {
		return fmt.Errorf("hdr: exposure %d not in [0, %d]: %w", e, MaxExposure, ErrInvalidExposure)
	}
	return nil
}

// Slot identifies one of the two physical frame buffers.
type Slot int

const (
	SlotLow  Slot = 0 // most recent LOW-exposure frame
	SlotHigh Slot = 1 // most recent HIGH-exposure frame

	NumSlots = 2
)

func (s Slot) Valid() bool { return s == SlotLow || s == SlotHigh }

func (s Slot) String() string {
	switch s {
	case SlotLow:
		return "low"
	case SlotHigh:
		return "high"
	default:
		return "slot(" + strconv.Itoa(int(s)) + ")"
	}
}

// ParseSlot parses a slot from its index ("0", "1") or its name ("low", "high").
func ParseSlot(v string) (Slot, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "low":
		return SlotLow, nil
	case "1", "high":
		return SlotHigh, nil
	}
	return -1, fmt.Errorf("hdr: could not parse slot %q: %w", v, ErrInvalidSlot)
}

// CaptureState is the per-slot capture state.
type CaptureState uint8

const (
	Idle CaptureState = iota
	Targeted
	Writing
	Ready
)

func (st CaptureState) String() string {
	switch st {
	case Idle:
		return "idle"
	case Targeted:
		return "targeted"
	case Writing:
		return "writing"
	case Ready:
		return "ready"
	}
	return "state(" + strconv.Itoa(int(st)) + ")"
}

func (st CaptureState) MarshalText() ([]byte, error) {
	return []byte(st.String()), nil
}

// Geometry describes the fixed frame geometry.
// Rows are packed: the stride equals Width*BytesPerPixel.
type Geometry struct {
	Width         int `json:"width"`
	Height        int `json:"height"`
	BytesPerPixel int `json:"bytes-per-pixel"`
}

func (g Geometry) Stride() int    { return g.Width * g.BytesPerPixel }
func (g Geometry) FrameSize() int { return g.Stride() * g.Height }

func (g Geometry) Validate() error {
	if g.Width <= 0 || g.Height <= 0 || g.BytesPerPixel <= 0 {
		return fmt.Errorf(
			"hdr: invalid geometry %dx%dx%d: %w",
			g.Width, g.Height, g.BytesPerPixel, ErrEngineConfig,
		)
	}
	return nil
}

// Buffer is a physical frame buffer.
type Buffer struct {
	Addr uint64 `json:"addr"`
	Len  int    `json:"len"`
}

// End returns the first address past the buffer.
func (b Buffer) End() uint64 { return b.Addr + uint64(b.Len) }

func (b Buffer) Overlaps(o Buffer) bool {
	return b.Addr < o.End() && o.Addr < b.End()
}

// Layout returns the two contiguous frame buffers starting at base.
func Layout(base uint64, g Geometry) [NumSlots]Buffer {
	n := g.FrameSize()
	return [NumSlots]Buffer{
		{Addr: base, Len: n},
		{Addr: base + uint64(n), Len: n},
	}
}

// Frame describes the content of a Ready slot.
type Frame struct {
	Slot     Slot      `json:"slot"`
	Exposure Exposure  `json:"exposure"`
	Cycle    uint64    `json:"cycle"`
	Addr     uint64    `json:"addr"`
	Time     time.Time `json:"time"`
}

// Pair is the outcome of one bracket cycle.
type Pair struct {
	Cycle uint64 `json:"cycle"`
	Low   Frame  `json:"low"`
	High  Frame  `json:"high"`
}

// Frame returns the frame held by slot s.
func (p Pair) Frame(s Slot) Frame {
	if s == SlotHigh {
		return p.High
	}
	return p.Low
}
