// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ov7670

// Command is a single register write.
type Command struct {
	Reg uint8
	Val uint8
}

// YUV is the initialization table for a YUV output with full output range
// and histogram-based AEC/AGC. Entries after the RegEnd marker are ignored.
var YUV = []Command{
	{RegCOM7, COM7YUV},
	{RegCOM15, COM15R00FF},
	{0xff, 0xff},
	{RegTSLB, TSLBYLast},   // no auto window
	{RegCOM10, COM10VSNeg}, // negative VSYNC
	{RegSLOP, 0x20},
	{RegGamBase, 0x1c},
	{RegGamBase + 1, 0x28},
	{RegGamBase + 2, 0x3c},
	{RegGamBase + 3, 0x55},
	{RegGamBase + 4, 0x68},
	{RegGamBase + 5, 0x76},
	{RegGamBase + 6, 0x80},
	{RegGamBase + 7, 0x88},
	{RegGamBase + 8, 0x8f},
	{RegGamBase + 9, 0x96},
	{RegGamBase + 10, 0xa3},
	{RegGamBase + 11, 0xaf},
	{RegGamBase + 12, 0xc4},
	{RegGamBase + 13, 0xd7},
	{RegGamBase + 14, 0xe8},
	{RegCOM8, COM8FastAEC | COM8AECStep | COM8Banding},
	{RegAECH, 0x40},
	{RegAECHH, 0x00},
	{RegGain, InitialGain},
	{COM2SSleep, 0x00}, // lands on AECH
	{RegCOM4, 0x00},
	{RegCOM9, 0x10}, // max AGC value
	{RegBD50Max, 0x05},
	{RegBD60Max, 0x07},
	{RegAEW, 0x75},
	{RegAEB, 0x63},
	{RegVPT, 0xa5},
	{RegHAECC1, 0x78},
	{RegHAECC2, 0x68},
	{0xa1, 0x03},
	{RegHAECC3, 0xdf},
	{RegHAECC4, 0xdf},
	{RegHAECC5, 0xf0},
	{RegHAECC6, 0x90},
	{RegHAECC7, 0x94},
	{RegCOM5, 0x61},
	{RegCOM6, 0x4b},
	{0x16, 0x02},
	{RegMVFP, 0x07},
	{RegADCCTR1, 0x02},
	{RegADCCTR2, 0x91},
	{0x29, 0x07},
	{RegCHLF, 0x0b},
	{0x35, 0x0b},
	{RegADC, 0x1d},
	{RegACOM, 0x71},
	{RegOFON, 0x2a},
	{RegCOM12, 0x78},
	{0x4d, 0x40},
	{0x4e, 0x20},
	{RegGFIX, 0x5d},
	{RegREG74, 0x19},
	{0x8d, 0x4f},
	{0x8e, 0x00},
	{0x8f, 0x00},
	{0x90, 0x00},
	{0x91, 0x00},
	{RegDMLNL, 0x00},
	{0x96, 0x00},
	{0x9a, 0x80},
	{0xb0, 0x84},
	{RegABLC1, 0x0c},
	{0xb2, 0x0e},
	{RegTHLST, 0x82},
	{0xb8, 0x0a},
	{RegAWBC1, 0x14},
	{RegAWBC2, 0xf0},
	{RegAWBC3, 0x34},
	{RegAWBC4, 0x58},
	{RegAWBC5, 0x28},
	{RegAWBC6, 0x3a},
	{0x59, 0x88},
	{0x5a, 0x88},
	{0x5b, 0x44},
	{0x5c, 0x67},
	{0x5d, 0x49},
	{0x5e, 0x0e},
	{RegLCC3, 0x04},
	{RegLCC4, 0x20},
	{RegLCC5, 0x05},
	{RegLCC6, 0x04},
	{RegLCC7, 0x08},
	{RegAWBCTR3, 0x0a},
	{RegAWBCTR2, 0x55},
	{RegMTX1, 0x80},
	{RegMTX2, 0x80},
	{RegMTX3, 0x00},
	{RegMTX4, 0x22},
	{RegMTX5, 0x5e},
	{RegMTX6, 0x80},
	{RegAWBCTR1, 0x11},
	{RegAWBCTR0, 0x9f},
	{RegBright, 0x00},
	{RegContras, 0x40},
	{RegContrasC, 0x80},
	{RegEnd, 0x00},
}
