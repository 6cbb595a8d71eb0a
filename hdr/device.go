// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hdr

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Sensor programs the image sensor over its control bus.
type Sensor interface {
	Initialize() error
	SetExposure(e Exposure) error
}

// Engine is a frame-buffering DMA engine with a single write channel.
type Engine interface {
	Configure(g Geometry) error
	SetBufferList(addrs []uint64) error
	Start() error
	Park(i int) error
}

// Cache invalidates the CPU view of a physical memory range.
type Cache interface {
	Invalidate(addr uint64, n int) error
}

// FrameWaiter blocks until the engine completed a frame into the
// currently targeted buffer.
type FrameWaiter interface {
	WaitFrame(ctx context.Context) error
}

// FrameReader copies the content of a frame buffer.
type FrameReader interface {
	ReadFrame(b Buffer, dst []byte) error
}

// RegisterDumper is implemented by engines that can describe their registers.
type RegisterDumper interface {
	DumpRegisters(w io.Writer) error
}

// Hardware is the set of capabilities a Session drives.
// Waiter may be nil, in which case a fixed frame delay is used.
type Hardware struct {
	Sensor Sensor
	Engine Engine
	Cache  Cache
	Waiter FrameWaiter
	Memory FrameReader

	Closer io.Closer
}

func (hw Hardware) validate() error {
	switch {
	case hw.Sensor == nil:
		return errors.New("hdr: missing sensor")
	case hw.Engine == nil:
		return errors.New("hdr: missing DMA engine")
	case hw.Cache == nil:
		return errors.New("hdr: missing cache invalidator")
	}
	return nil
}

func (hw Hardware) close() error {
	if hw.Closer == nil {
		return nil
	}
	err := hw.Closer.Close()
	if err != nil {
		return fmt.Errorf("hdr: could not close hardware: %w", err)
	}
	return nil
}
