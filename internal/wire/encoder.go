// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-lpc/hdrcam/hdr"
	"github.com/go-lpc/hdrcam/internal/crc16"
)

// Encoder writes records to an output stream.
// Encoder computes the CRC-16 checksum on the fly and appends it
// at the end of each record.
type Encoder struct {
	w   io.Writer
	buf []byte
	err error
	crc crc16.Hash16
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   w,
		buf: make([]byte, 8),
		crc: crc16.New(nil),
	}
}

// Encode writes the record to the stream.
func (enc *Encoder) Encode(rec *Record) error {
	if rec == nil {
		return nil
	}
	for i, raw := range rec.Data {
		if n := rec.Geometry.FrameSize(); len(raw) != n {
			return fmt.Errorf(
				"wire: invalid %v frame size (got=%d, want=%d)",
				hdr.Slot(i), len(raw), n,
			)
		}
	}

	enc.crc.Reset()

	enc.writeU8(recHeader)
	if enc.err != nil {
		return fmt.Errorf("wire: could not write record header marker: %w", enc.err)
	}
	enc.writeU8(Version)
	enc.writeU64(rec.Pair.Cycle)
	enc.writeU16(uint16(rec.Geometry.Width))
	enc.writeU16(uint16(rec.Geometry.Height))
	enc.writeU8(uint8(rec.Geometry.BytesPerPixel))

	for i, raw := range rec.Data {
		frame := rec.Pair.Frame(hdr.Slot(i))
		enc.writeU8(frHeader)
		enc.writeU8(uint8(i))
		enc.writeU16(uint16(frame.Exposure))
		enc.writeU64(frame.Addr)
		enc.writeU64(uint64(frame.Time.UnixNano()))
		enc.writeU32(uint32(len(raw)))
		enc.write(raw)
		enc.writeU8(frTrailer)
		if enc.err != nil {
			return fmt.Errorf("wire: could not write %v frame: %w", hdr.Slot(i), enc.err)
		}
	}
	enc.writeU8(recTrailer)
	enc.writeU16(enc.crc.Sum16())

	if enc.err != nil {
		return fmt.Errorf("wire: could not write record trailer: %w", enc.err)
	}
	return nil
}

func (enc *Encoder) write(p []byte) {
	if enc.err != nil {
		return
	}
	_, enc.err = enc.w.Write(p)
	_, _ = enc.crc.Write(p) // can not fail.
}

func (enc *Encoder) writeU8(v uint8) {
	enc.buf[0] = v
	enc.write(enc.buf[:1])
}

func (enc *Encoder) writeU16(v uint16) {
	binary.BigEndian.PutUint16(enc.buf[:2], v)
	enc.write(enc.buf[:2])
}

func (enc *Encoder) writeU32(v uint32) {
	binary.BigEndian.PutUint32(enc.buf[:4], v)
	enc.write(enc.buf[:4])
}

func (enc *Encoder) writeU64(v uint64) {
	binary.BigEndian.PutUint64(enc.buf[:8], v)
	enc.write(enc.buf[:8])
}
