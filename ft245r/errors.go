// Copyright 2024 The ft245r Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ft245r

import (
	"errors"
	"fmt"

	"periph.io/x/d2xx"
)

// Sentinel errors surfaced by the core. See spec §7 for the full taxonomy.
var (
	// ErrShortWrite is returned when the transport wrote fewer bytes than
	// requested. It is always fatal for the current operation.
	ErrShortWrite = errors.New("ft245r: short write")

	// ErrNotResponding is returned by ProgramEnable after four failed
	// attempts.
	ErrNotResponding = errors.New("ft245r: device is not responding to program enable; check connection")

	// ErrTPIFraming is returned by cmdTPI/rxByte on a framing error: the
	// start bit could not be found, or the stop bits were not both 1.
	ErrTPIFraming = errors.New("ft245r: tpi framing error")

	// ErrTPIParity is returned when the received parity bit does not match
	// the accumulated parity of the 8 data bits.
	ErrTPIParity = errors.New("ft245r: tpi parity error")

	// ErrTPILoopback is returned by Initialize when the SDO->SDI loopback
	// check fails and the caller has not set InitOptions.Ovsigck.
	ErrTPILoopback = errors.New("ft245r: tpi SDO-SDI loopback check failed")

	// ErrTPIIR is returned when the TPI identification register does not
	// read back 0x80.
	ErrTPIIR = errors.New("ft245r: TPIIR identification byte mismatch")

	// ErrUnsupportedMemory is returned by PagedWrite/PagedLoad for a memory
	// kind this core does not know how to page through. It is the Go
	// equivalent of avrdude's -2 return convention: callers may recover by
	// falling back to byte-level access via ReadByte/WriteByte.
	ErrUnsupportedMemory = errors.New("ft245r: unsupported memory kind")

	// ErrInvalidPort is returned by Open when the port string cannot be
	// parsed as either an 8 character serial number or a ft<N> index.
	ErrInvalidPort = errors.New("ft245r: invalid port name: use ft[0-9]+ or serial number")
)

// missingOpError reports that a part's opcode table lacks an opcode this
// operation needs, naming both the opcode and the part for diagnosis.
type missingOpError struct {
	op   Op
	part string
}

func (e *missingOpError) Error() string {
	return fmt.Sprintf("ft245r: opcode %s not defined for part %s", e.op, e.part)
}

func missingOp(op Op, part Part) error {
	name := "<unknown part>"
	if part != nil {
		name = part.Desc()
	}
	return &missingOpError{op: op, part: name}
}

// toErr turns a d2xx error code into a Go error, or nil if e is the d2xx
// success code.
func toErr(s string, e d2xx.Err) error {
	if e == 0 {
		return nil
	}
	return fmt.Errorf("ft245r: %s: %s", s, e.String())
}
