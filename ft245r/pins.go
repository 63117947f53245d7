// Copyright 2024 The ft245r Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ft245r

import "fmt"

// Pin is a logical pin driven or sampled on the FTDI data bus (DBUS0..7).
//
// Only bits 0..7 of the data bus are valid pin targets (spec §6); SCK, SDO,
// RESET, BUFF, VCC and the four LEDs are outputs, SDI is the sole input.
type Pin int

// The logical pins the core knows about, mirroring avrdude's
// PIN_AVR_SCK/SDO/SDI/RESET, PPI_AVR_BUFF/VCC and PIN_LED_RDY/ERR/PGM/VFY.
const (
	PinSCK Pin = iota
	PinSDO
	PinSDI
	PinReset
	PinBuff
	PinVCC
	PinLEDRdy
	PinLEDErr
	PinLEDPgm
	PinLEDVfy
	numPins
)

func (p Pin) String() string {
	switch p {
	case PinSCK:
		return "SCK"
	case PinSDO:
		return "SDO"
	case PinSDI:
		return "SDI"
	case PinReset:
		return "RESET"
	case PinBuff:
		return "BUFF"
	case PinVCC:
		return "VCC"
	case PinLEDRdy:
		return "LED_RDY"
	case PinLEDErr:
		return "LED_ERR"
	case PinLEDPgm:
		return "LED_PGM"
	case PinLEDVfy:
		return "LED_VFY"
	default:
		return fmt.Sprintf("Pin(%d)", int(p))
	}
}

// PinConfig is one entry of a PinMap: the bit this logical pin occupies on
// the data bus, and whether its sense is inverted.
type PinConfig struct {
	Mask   byte
	Invert bool
}

// defined reports whether this pin has been assigned a bit. Undefined pins
// (mask 0) are silently ignored by set/get, matching avrdude's "Ignore not
// defined pins (might be the led or vcc or buff if not needed)".
func (c PinConfig) defined() bool {
	return c.Mask != 0
}

// PinMap maps each logical Pin to a bit position on the data bus, plus an
// optional inversion flag. It is immutable once a Device is open.
type PinMap [numPins]PinConfig

// DefaultPinMap returns the pin assignment used by the FT245R/FT232R wiring
// documented at the top of avrdude's ft245r.c:
//
//	sdi   = 1  # RxD  /D1
//	sck   = 0  # RTS  /D0
//	sdo   = 2  # TxD  /D2
//	reset = 4  # DTR  /D4
//
// BUFF, VCC and the four LEDs are left unassigned (mask 0): most wiring
// harnesses don't have a level-shifting buffer or a switchable VCC rail, and
// the core treats an unassigned pin as "do nothing" rather than an error.
func DefaultPinMap() PinMap {
	var m PinMap
	m[PinSCK] = PinConfig{Mask: 1 << 0}
	m[PinSDI] = PinConfig{Mask: 1 << 1}
	m[PinSDO] = PinConfig{Mask: 1 << 2}
	m[PinReset] = PinConfig{Mask: 1 << 4}
	return m
}

// ddr returns the union of the output pin masks: every logical pin except
// SDI is an output (spec §6 "Directions").
func (m PinMap) ddr() byte {
	var ddr byte
	for p := Pin(0); p < numPins; p++ {
		if p == PinSDI {
			continue
		}
		ddr |= m[p].Mask
	}
	return ddr
}

// setBits applies level to pin within out, honouring the pin's mask and
// invert flag, and returns the updated byte. This is the Go equivalent of
// avrdude's SET_BITS_0 macro, and is the single place pin writes
// read-modify-write the shared output shadow register (spec §9).
func setBits(out byte, pin PinConfig, level bool) byte {
	if !pin.defined() {
		return out
	}
	v := level
	if pin.Invert {
		v = !v
	}
	if v {
		return out | pin.Mask
	}
	return out &^ pin.Mask
}

// getBits extracts the level of pin from data, honouring mask and invert.
// The Go equivalent of avrdude's GET_BITS_0 macro.
func getBits(data byte, pin PinConfig) bool {
	v := data&pin.Mask != 0
	if pin.Invert {
		v = !v
	}
	return v
}

// shadow is the mutable "out" register described in spec §3/§9: every pin
// write is a read-modify-write of this single byte, which is also what gets
// pushed onto the wire.
type shadow struct {
	out  byte
	pins PinMap
}

// set updates the shadow register for pin and returns the new byte. It does
// not talk to the wire; callers append the result to a buffer or send it.
func (s *shadow) set(pin Pin, level bool) byte {
	s.out = setBits(s.out, s.pins[pin], level)
	return s.out
}
