// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-lpc/hdrcam/hdr"
	"github.com/go-lpc/hdrcam/internal/crc16"
)

// maxFrameSize bounds the frame lengths accepted by the decoder.
const maxFrameSize = 64 << 20

// Decoder reads (and validates) records from an underlying data source.
type Decoder struct {
	r   io.Reader
	buf []byte
	err error
	crc crc16.Hash16
}

// NewDecoder creates a decoder that reads and validates data from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		buf: make([]byte, 8),
		crc: crc16.New(nil),
	}
}

// Decode reads the next record from the stream.
// Decode returns io.EOF when the stream ends at a record boundary.
func (dec *Decoder) Decode(rec *Record) error {
	dec.crc.Reset()

	v := dec.readU8()
	if dec.err != nil {
		if errors.Is(dec.err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("wire: could not read record header marker: %w", dec.err)
	}
	if v != recHeader {
		return fmt.Errorf("wire: invalid record header marker (got=0x%x)", v)
	}

	vers := dec.readU8()
	if dec.err == nil && vers != Version {
		return fmt.Errorf("wire: invalid version (got=%d, want=%d)", vers, Version)
	}
	rec.Pair = hdr.Pair{Cycle: dec.readU64()}
	rec.Geometry = hdr.Geometry{
		Width:         int(dec.readU16()),
		Height:        int(dec.readU16()),
		BytesPerPixel: int(dec.readU8()),
	}
	if dec.err != nil {
		return fmt.Errorf("wire: could not read record header: %w", dec.unexpected())
	}

	for i := range rec.Data {
		var (
			mark = dec.readU8()
			slot = hdr.Slot(dec.readU8())
		)
		if dec.err != nil {
			return fmt.Errorf("wire: could not read frame header: %w", dec.unexpected())
		}
		if mark != frHeader {
			return fmt.Errorf("wire: invalid frame header marker (got=0x%x)", mark)
		}
		if slot != hdr.Slot(i) {
			return fmt.Errorf("wire: invalid frame slot (got=%d, want=%d)", slot, i)
		}

		frame := hdr.Frame{
			Slot:     slot,
			Exposure: hdr.Exposure(dec.readU16()),
			Cycle:    rec.Pair.Cycle,
			Addr:     dec.readU64(),
			Time:     time.Unix(0, int64(dec.readU64())).UTC(),
		}
		n := int(dec.readU32())
		if dec.err != nil {
			return fmt.Errorf("wire: could not read %v frame header: %w", slot, dec.unexpected())
		}
		if n > maxFrameSize {
			return fmt.Errorf("wire: %v frame too large (%d bytes)", slot, n)
		}

		if cap(rec.Data[i]) < n {
			rec.Data[i] = make([]byte, n)
		}
		rec.Data[i] = rec.Data[i][:n]
		dec.read(rec.Data[i])
		mark = dec.readU8()
		if dec.err != nil {
			return fmt.Errorf("wire: could not read %v frame: %w", slot, dec.unexpected())
		}
		if mark != frTrailer {
			return fmt.Errorf("wire: invalid frame trailer marker (got=0x%x)", mark)
		}

		switch slot {
		case hdr.SlotLow:
			rec.Pair.Low = frame
		case hdr.SlotHigh:
			rec.Pair.High = frame
		}
	}

	v = dec.readU8()
	if dec.err != nil {
		return fmt.Errorf("wire: could not read record trailer marker: %w", dec.unexpected())
	}
	if v != recTrailer {
		return fmt.Errorf("wire: invalid record trailer marker (got=0x%x)", v)
	}

	comp := dec.crc.Sum16()
	dec.load(2) // the checksum is not part of the checksummed bytes.
	if dec.err != nil {
		return fmt.Errorf("wire: could not read CRC-16: %w", dec.unexpected())
	}
	recv := binary.BigEndian.Uint16(dec.buf[:2])
	if comp != recv {
		return fmt.Errorf("wire: inconsistent CRC: recv=0x%04x comp=0x%04x", recv, comp)
	}

	return nil
}

func (dec *Decoder) unexpected() error {
	if errors.Is(dec.err, io.EOF) {
		dec.err = io.ErrUnexpectedEOF
	}
	return dec.err
}

func (dec *Decoder) read(p []byte) {
	if dec.err != nil {
		return
	}
	_, dec.err = io.ReadFull(dec.r, p)
	if dec.err == nil {
		_, _ = dec.crc.Write(p) // can not fail.
	}
}

func (dec *Decoder) load(n int) {
	if dec.err != nil {
		return
	}
	_, dec.err = io.ReadFull(dec.r, dec.buf[:n])
}

func (dec *Decoder) readU8() uint8 {
	dec.read(dec.buf[:1])
	return dec.buf[0]
}

func (dec *Decoder) readU16() uint16 {
	dec.read(dec.buf[:2])
	return binary.BigEndian.Uint16(dec.buf[:2])
}

func (dec *Decoder) readU32() uint32 {
	dec.read(dec.buf[:4])
	return binary.BigEndian.Uint32(dec.buf[:4])
}

func (dec *Decoder) readU64() uint64 {
	dec.read(dec.buf[:8])
	return binary.BigEndian.Uint64(dec.buf[:8])
}
