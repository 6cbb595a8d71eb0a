// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire describes and handles bracket pairs in their binary format.
//
// A record is laid out as (big-endian):
//
//	0xb0                     record header marker
//	u8  version
//	u64 cycle
//	u16 width, u16 height, u8 bytes-per-pixel
//	2x {                     slot 0 (LOW) then slot 1 (HIGH)
//	  0xb4                   frame header marker
//	  u8  slot
//	  u16 exposure
//	  u64 buffer address
//	  i64 completion time (ns since epoch)
//	  u32 length
//	  [length]byte
//	  0xa3                   frame trailer marker
//	}
//	0xa0                     record trailer marker
//	u16 CRC-16/CCITT-FALSE of all the preceding bytes
package wire // import "github.com/go-lpc/hdrcam/internal/wire"

import (
	"github.com/go-lpc/hdrcam/hdr"
)

const (
	Version = 1

	recHeader  = 0xb0 // record header marker
	recTrailer = 0xa0 // record trailer marker

	frHeader  = 0xb4 // frame header marker
	frTrailer = 0xa3 // frame trailer marker
)

// Record is a bracket pair along with the content of both frames.
type Record struct {
	Geometry hdr.Geometry
	Pair     hdr.Pair
	Data     [hdr.NumSlots][]byte
}

// FromLatest builds a record from the most recent pair held by l.
func FromLatest(l *hdr.Latest) (Record, bool) {
	p, data, ok := l.Snapshot()
	if !ok {
		return Record{}, false
	}
	return Record{
		Geometry: l.Geometry(),
		Pair:     p,
		Data:     data,
	}, true
}
