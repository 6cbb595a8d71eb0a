// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ov7670

// Addr is the 7-bit SCCB/I2C address of the OV7670.
const Addr = 0x21

// Product identification.
const (
	PID = 0x76
	VER = 0x73
)

// Register addresses.
const (
	RegGain     = 0x00
	RegCOM1     = 0x04 // exposure LSBs
	RegAECHH    = 0x07 // exposure MSBs
	RegPID      = 0x0a
	RegVER      = 0x0b
	RegCOM4     = 0x0d
	RegCOM5     = 0x0e
	RegCOM6     = 0x0f
	RegAECH     = 0x10 // exposure mid bits
	RegCOM7     = 0x12
	RegCOM8     = 0x13
	RegCOM9     = 0x14
	RegCOM10    = 0x15
	RegMIDH     = 0x1c
	RegMIDL     = 0x1d
	RegMVFP     = 0x1e
	RegADCCTR1  = 0x21
	RegADCCTR2  = 0x22
	RegAEW      = 0x24
	RegAEB      = 0x25
	RegVPT      = 0x26
	RegCHLF     = 0x33
	RegADC      = 0x37
	RegACOM     = 0x38
	RegOFON     = 0x39
	RegTSLB     = 0x3a
	RegCOM12    = 0x3c
	RegCOM15    = 0x40
	RegAWBC1    = 0x43
	RegAWBC2    = 0x44
	RegAWBC3    = 0x45
	RegAWBC4    = 0x46
	RegAWBC5    = 0x47
	RegAWBC6    = 0x48
	RegMTX1     = 0x4f
	RegMTX2     = 0x50
	RegMTX3     = 0x51
	RegMTX4     = 0x52
	RegMTX5     = 0x53
	RegMTX6     = 0x54
	RegBright   = 0x55
	RegContras  = 0x56
	RegContrasC = 0x57
	RegLCC3     = 0x64
	RegLCC4     = 0x65
	RegLCC5     = 0x66
	RegGFIX     = 0x69
	RegAWBCTR3  = 0x6c
	RegAWBCTR2  = 0x6d
	RegAWBCTR1  = 0x6e
	RegAWBCTR0  = 0x6f
	RegREG74    = 0x74
	RegSLOP     = 0x7a
	RegGamBase  = 0x7b
	RegDMLNL    = 0x92
	RegLCC6     = 0x94
	RegLCC7     = 0x95
	RegHAECC1   = 0x9f
	RegHAECC2   = 0xa0
	RegBD50Max  = 0xa5
	RegHAECC3   = 0xa6
	RegHAECC4   = 0xa7
	RegHAECC5   = 0xa8
	RegHAECC6   = 0xa9
	RegHAECC7   = 0xaa
	RegBD60Max  = 0xab
	RegABLC1    = 0xb1
	RegTHLST    = 0xb3
	RegSATCTR   = 0xc9

	RegLast = RegSATCTR
	RegEnd  = RegLast + 1 // init table terminator
)

// Register values.
const (
	COM7Reset = 0x80
	COM7YUV   = 0x00

	COM15R00FF = 0xc0

	TSLBYLast = 0x04

	COM10VSNeg = 0x02

	COM8FastAEC = 0x80
	COM8AECStep = 0x40
	COM8Banding = 0x20

	COM2SSleep = 0x10

	COM1AECMask = 0x03

	InitialGain = 0x00
)
