// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ov7670 programs an OmniVision OV7670 image sensor over its
// SCCB (I2C compatible) control bus.
package ov7670 // import "github.com/go-lpc/hdrcam/ov7670"

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-lpc/hdrcam/hdr"
)

var ErrUnknownChip = errors.New("ov7670: unknown chip")

// Bus writes a register of a device on the control bus.
type Bus interface {
	WriteReg(addr, reg, v uint8) error
}

// ReadBus is a Bus that can also read registers back.
type ReadBus interface {
	Bus
	ReadReg(addr, reg uint8) (uint8, error)
}

// Sensor is an OV7670 attached to a control bus.
type Sensor struct {
	bus   Bus
	addr  uint8
	table []Command

	settle time.Duration // delay after each register write
	reset  time.Duration // delay after the soft-reset
}

type Option func(s *Sensor)

// WithAddr sets the bus address of the sensor.
func WithAddr(addr uint8) Option {
	return func(s *Sensor) { s.addr = addr }
}

// WithTable sets the initialization table.
func WithTable(tbl []Command) Option {
	return func(s *Sensor) { s.table = tbl }
}

// WithSettleDelay sets the delay following each register write.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Sensor) { s.settle = d }
}

// WithResetDelay sets the delay following the soft-reset.
func WithResetDelay(d time.Duration) Option {
	return func(s *Sensor) { s.reset = d }
}

func New(bus Bus, opts ...Option) *Sensor {
	s := &Sensor{
		bus:    bus,
		addr:   Addr,
		table:  YUV,
		settle: 1 * time.Millisecond,
		reset:  10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize soft-resets the sensor and applies the initialization table,
// up to its RegEnd marker. It stops at the first failed write, leaving the
// sensor partially configured.
func (s *Sensor) Initialize() error {
	err := s.bus.WriteReg(s.addr, RegCOM7, COM7Reset)
	if err != nil {
		return fmt.Errorf("ov7670: could not reset sensor: %w: %w", hdr.ErrBusTransaction, err)
	}
	time.Sleep(s.reset)

	for i, cmd := range s.table {
		if cmd.Reg == RegEnd {
			break
		}
		err = s.write(cmd.Reg, cmd.Val)
		if err != nil {
			return fmt.Errorf(
				"ov7670: could not apply init entry %d (reg=0x%02x, val=0x%02x): %w",
				i, cmd.Reg, cmd.Val, err,
			)
		}
	}
	return nil
}

// SetExposure programs the exposure e.
// The registers are written in order AECH, AECHH then COM1.
func (s *Sensor) SetExposure(e hdr.Exposure) error {
	err := e.Validate()
	if err != nil {
		return err
	}

	aech, aechh, com1 := EncodeExposure(e)

	err = s.write(RegAECH, aech)
	if err != nil {
		return fmt.Errorf("ov7670: could not write exposure low bits: %w", err)
	}

	err = s.write(RegAECHH, aechh)
	if err != nil {
		return fmt.Errorf("ov7670: could not write exposure high bits: %w", err)
	}

	// COM1 holds other settings in bits 7:2.
	cur, err := s.read(RegCOM1)
	if err != nil && !errors.Is(err, errNoRead) {
		return fmt.Errorf("ov7670: could not read exposure LSBs: %w", err)
	}
	err = s.write(RegCOM1, cur&^COM1AECMask|com1)
	if err != nil {
		return fmt.Errorf("ov7670: could not write exposure LSBs: %w", err)
	}
	return nil
}

// Exposure reads back the programmed exposure.
func (s *Sensor) Exposure() (hdr.Exposure, error) {
	var regs [3]uint8
	for i, reg := range []uint8{RegAECH, RegAECHH, RegCOM1} {
		v, err := s.read(reg)
		if err != nil {
			return 0, fmt.Errorf("ov7670: could not read exposure: %w", err)
		}
		regs[i] = v
	}
	return DecodeExposure(regs[0], regs[1], regs[2]), nil
}

// Probe checks the product identification of the sensor.
func (s *Sensor) Probe() error {
	pid, err := s.read(RegPID)
	if err != nil {
		return fmt.Errorf("ov7670: could not read product ID: %w", err)
	}
	ver, err := s.read(RegVER)
	if err != nil {
		return fmt.Errorf("ov7670: could not read product version: %w", err)
	}
	if pid != PID || ver != VER {
		return fmt.Errorf(
			"ov7670: invalid product id 0x%02x%02x (want 0x%02x%02x): %w",
			pid, ver, PID, VER, ErrUnknownChip,
		)
	}
	return nil
}

func (s *Sensor) write(reg, v uint8) error {
	err := s.bus.WriteReg(s.addr, reg, v)
	if err != nil {
		return fmt.Errorf("%w: %w", hdr.ErrBusTransaction, err)
	}
	time.Sleep(s.settle)
	return nil
}

var errNoRead = errors.New("ov7670: bus can not read registers")

func (s *Sensor) read(reg uint8) (uint8, error) {
	bus, ok := s.bus.(ReadBus)
	if !ok {
		return 0, errNoRead
	}
	v, err := bus.ReadReg(s.addr, reg)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", hdr.ErrBusTransaction, err)
	}
	return v, nil
}

// EncodeExposure splits an exposure over the AECH, AECHH and COM1 registers:
// AECH receives bits 7:2 of the low byte, AECHH the high byte masked to
// 6 bits and COM1 the two LSBs.
// EncodeExposure(900) yields AECH=0b00100001, AECHH=0b000011, COM1=0b00.
func EncodeExposure(e hdr.Exposure) (aech, aechh, com1 uint8) {
	aech = uint8((e & 0xff) >> 2)
	aechh = uint8((e >> 8) & 0x3f)
	com1 = uint8(e & COM1AECMask)
	return aech, aechh, com1
}

// DecodeExposure reassembles an exposure from its register values.
func DecodeExposure(aech, aechh, com1 uint8) hdr.Exposure {
	return hdr.Exposure(aechh&0x3f)<<8 | hdr.Exposure(aech)<<2 | hdr.Exposure(com1&COM1AECMask)
}

var _ hdr.Sensor = (*Sensor)(nil)
