// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package platform

import (
	"fmt"

	"github.com/go-lpc/hdrcam/hdr"
	"github.com/go-lpc/hdrcam/internal/mmap"
)

// frameMemory is the CPU view of the physical window holding the frame
// buffers, starting at physical address base.
type frameMemory struct {
	base uint64
	mem  *mmap.Handle
}

func newFrameMemory(base uint64, mem *mmap.Handle) *frameMemory {
	return &frameMemory{base: base, mem: mem}
}

func (fm *frameMemory) offset(addr uint64, n int) (int64, error) {
	if addr < fm.base || n < 0 || addr-fm.base+uint64(n) > uint64(fm.mem.Len()) {
		return 0, fmt.Errorf(
			"platform: range 0x%x+%d outside frame window 0x%x+%d",
			addr, n, fm.base, fm.mem.Len(),
		)
	}
	return int64(addr - fm.base), nil
}

// Invalidate discards the cached view of the physical range [addr, addr+n).
func (fm *frameMemory) Invalidate(addr uint64, n int) error {
	off, err := fm.offset(addr, n)
	if err != nil {
		return err
	}
	return fm.mem.Invalidate(off, n)
}

// ReadFrame copies the content of buffer b into dst.
func (fm *frameMemory) ReadFrame(b hdr.Buffer, dst []byte) error {
	if len(dst) < b.Len {
		return fmt.Errorf("platform: frame buffer too small (%d < %d)", len(dst), b.Len)
	}
	off, err := fm.offset(b.Addr, b.Len)
	if err != nil {
		return err
	}
	_, err = fm.mem.ReadAt(dst[:b.Len], off)
	if err != nil {
		return fmt.Errorf("platform: could not read frame at 0x%x: %w", b.Addr, err)
	}
	return nil
}

func (fm *frameMemory) Close() error {
	return fm.mem.Close()
}

var (
	_ hdr.Cache       = (*frameMemory)(nil)
	_ hdr.FrameReader = (*frameMemory)(nil)
)
