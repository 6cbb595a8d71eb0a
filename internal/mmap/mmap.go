// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap provides access to memory-mapped physical memory windows.
package mmap // import "github.com/go-lpc/hdrcam/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

// Handle is a memory-mapped window.
type Handle struct {
	data   []byte
	mapped bool // whether data was obtained from mmap(2)
}

// HandleFrom wraps an in-memory buffer as a handle.
// Closing such a handle does not unmap anything.
func HandleFrom(data []byte) *Handle {
	h := &Handle{data: data}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// Map maps size bytes of f, starting at offset off, as a shared
// read/write window. off must be a multiple of the page size.
func Map(f *os.File, off int64, size int) (*Handle, error) {
	if off%int64(os.Getpagesize()) != 0 {
		return nil, fmt.Errorf("mmap: offset 0x%x is not page aligned", off)
	}
	if size <= 0 {
		return nil, fmt.Errorf("mmap: invalid window size %d", size)
	}

	data, err := unix.Mmap(
		int(f.Fd()), off, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not map 0x%x+%d: %w", off, size, err)
	}

	h := &Handle{data: data, mapped: true}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h, nil
}

// Close closes the mmap handle.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	runtime.SetFinalizer(h, nil)

	if !h.mapped {
		return nil
	}
	return unix.Munmap(data)
}

// Len returns the length of the underlying memory-mapped file.
func (h *Handle) Len() int {
	return len(h.data)
}

// At returns the byte at index i.
func (h *Handle) At(i int) byte {
	return h.data[i]
}

// ReadAt implements the io.ReaderAt interface.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid WriteAt offset %d", off)
	}
	n := copy(h.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Invalidate discards the cached view of the [off, off+n) range so that
// subsequent reads observe what another bus master wrote to memory.
// The range is widened to page boundaries.
func (h *Handle) Invalidate(off int64, n int) error {
	if h == nil {
		return os.ErrInvalid
	}
	if h.data == nil {
		return errClosed
	}
	if off < 0 || n < 0 || off+int64(n) > int64(len(h.data)) {
		return fmt.Errorf("mmap: invalid range [%d, %d)", off, off+int64(n))
	}
	if !h.mapped || n == 0 {
		return nil
	}

	var (
		page = int64(os.Getpagesize())
		beg  = off - off%page
		end  = off + int64(n)
	)
	if rem := end % page; rem != 0 {
		end += page - rem
	}
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}

	err := unix.Msync(h.data[beg:end], unix.MS_INVALIDATE|unix.MS_SYNC)
	if err != nil {
		return fmt.Errorf("mmap: could not invalidate [%d, %d): %w", beg, end, err)
	}
	return nil
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
