// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-lpc/hdrcam/hdr"
)

// ErrPGMDepth is returned when frames do not have one byte per pixel.
var ErrPGMDepth = errors.New("wire: PGM needs 1 byte per pixel")

// WritePGM writes a frame of geometry g as a binary (P5) PGM image.
func WritePGM(w io.Writer, g hdr.Geometry, raw []byte) error {
	if g.BytesPerPixel != 1 {
		return fmt.Errorf("wire: could not encode %d bytes per pixel: %w", g.BytesPerPixel, ErrPGMDepth)
	}
	if len(raw) != g.FrameSize() {
		return fmt.Errorf("wire: invalid frame size (got=%d, want=%d)", len(raw), g.FrameSize())
	}
	_, err := fmt.Fprintf(w, "P5\n%d %d\n255\n", g.Width, g.Height)
	if err != nil {
		return fmt.Errorf("wire: could not write PGM header: %w", err)
	}
	_, err = w.Write(raw)
	if err != nil {
		return fmt.Errorf("wire: could not write PGM data: %w", err)
	}
	return nil
}
