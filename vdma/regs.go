// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vdma

// WindowSize is the size of the register window of an AXI VDMA instance.
const WindowSize = 0x10000

// MaxFrameStores is the maximum number of frame stores of a channel.
const MaxFrameStores = 32

const (
	maxStride = 0xffff
	maxVSize  = 0x1fff
)

// S2MM (write channel) register offsets.
const (
	RegParkPtr  = 0x28
	RegVersion  = 0x2c
	RegCR       = 0x30
	RegSR       = 0x34
	RegIRQMask  = 0x3c
	RegFrmStore = 0x48

	RegVSize       = 0xa0
	RegHSize       = 0xa4
	RegFrmDlyStrd  = 0xa8
	RegStartAddr0  = 0xac
	regStartAddrSz = 4
)

// S2MM control register bits.
const (
	CRRunStop      = 1 << 0
	CRCircularPark = 1 << 1 // 0: park mode
	CRReset        = 1 << 2
	CRGenlockEn    = 1 << 3
	CRFrameCntEn   = 1 << 4
	CRFrmCntIrqEn  = 1 << 12
	CRDlyCntIrqEn  = 1 << 13
	CRErrIrqEn     = 1 << 14

	crIRQFrameCountShift = 16
	crIRQFrameCountMask  = 0xff << crIRQFrameCountShift
)

// S2MM status register bits.
const (
	SRHalted      = 1 << 0
	SRVDMAIntErr  = 1 << 4
	SRVDMASlvErr  = 1 << 5
	SRVDMADecErr  = 1 << 6
	SRSOFEarlyErr = 1 << 7
	SRFrmCntIrq   = 1 << 12
	SRDlyCntIrq   = 1 << 13
	SRErrIrq      = 1 << 14

	srErrMask = SRVDMAIntErr | SRVDMASlvErr | SRVDMADecErr
	srIrqMask = SRFrmCntIrq | SRDlyCntIrq | SRErrIrq
)

// Park pointer register fields.
const (
	parkWrRefShift   = 8
	parkWrRefMask    = 0x1f << parkWrRefShift
	parkWrStoreShift = 24
	parkWrStoreMask  = 0x1f << parkWrStoreShift
)
