// Copyright 2024 The ft245r Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ft245r

import (
	"periph.io/x/d2xx"
)

// fakeHandle is a d2xx.Handle double that models the synchronous
// bit-bang wire invariant: every byte accepted by Write is, sooner or
// later, returned exactly once by Read. It is grounded on the scripted
// fixture shape of periph.io/x/d2xx/d2xxtest.Fake (used by
// periph.io/x/host/v3/ftdi/driver_test.go), specialised into a live echo
// queue so property tests can drive it with arbitrary byte sequences
// rather than pre-scripted per-call responses.
type fakeHandle struct {
	devType uint32
	vid     uint16
	did     uint16

	pending  []byte // bytes written but not yet delivered by Read.
	bitMode  byte   // last value latched by SetBitMode, returned by GetBitMode.
	writeErr d2xx.Err
	readErr  d2xx.Err
	shortBy  int // Write accepts len(b)-shortBy bytes, for ErrShortWrite tests.
	closed   bool

	serial string

	// echoDelay, when non-zero, makes Write echo the byte it accepted
	// n-echoDelay writes ago rather than the byte it just accepted,
	// modelling the FT232R's synchronous bit-bang read latency (the chip
	// always returns the sample it latched one byte-time before the one
	// just written). ISP bit-bang timing (isp.go's extractData) depends on
	// this lag; Channel-level tests that only care about raw byte echo
	// fidelity leave it at the zero-value.
	echoDelay int
	delayBuf  []byte
}

func (f *fakeHandle) Close() d2xx.Err {
	f.closed = true
	return 0
}

func (f *fakeHandle) Write(b []byte) (int, d2xx.Err) {
	if f.writeErr != 0 {
		return 0, f.writeErr
	}
	n := len(b) - f.shortBy
	if n < 0 {
		n = 0
	}
	if n > len(b) {
		n = len(b)
	}
	chunk := b[:n]
	for _, bt := range chunk {
		f.pending = append(f.pending, f.delayedEcho(bt))
	}
	// The data pin register tracks whatever was last latched, mirroring
	// what GetBitMode would observe on real hardware between clock edges.
	if n > 0 {
		f.bitMode = chunk[n-1]
	}
	return n, 0
}

// delayedEcho feeds bt through an echoDelay-deep shift register and
// returns the byte that should be echoed now. With echoDelay == 0 it
// returns bt unchanged.
func (f *fakeHandle) delayedEcho(bt byte) byte {
	if f.echoDelay == 0 {
		return bt
	}
	f.delayBuf = append(f.delayBuf, bt)
	if len(f.delayBuf) <= f.echoDelay {
		return 0
	}
	out := f.delayBuf[0]
	f.delayBuf = f.delayBuf[1:]
	return out
}

func (f *fakeHandle) GetQueueStatus() (uint32, d2xx.Err) {
	return uint32(len(f.pending)), 0
}

func (f *fakeHandle) Read(b []byte) (int, d2xx.Err) {
	if f.readErr != 0 {
		return 0, f.readErr
	}
	n := len(b)
	if n > len(f.pending) {
		n = len(f.pending)
	}
	copy(b, f.pending[:n])
	f.pending = f.pending[n:]
	return n, 0
}

func (f *fakeHandle) SetBitMode(mask, mode byte) d2xx.Err { return 0 }

func (f *fakeHandle) GetBitMode() (byte, d2xx.Err) { return f.bitMode, 0 }

func (f *fakeHandle) SetBaudRate(v uint32) d2xx.Err { return 0 }

func (f *fakeHandle) SetUSBParameters(in, out int) d2xx.Err { return 0 }

func (f *fakeHandle) SetTimeouts(readMS, writeMS int) d2xx.Err { return 0 }

func (f *fakeHandle) SetChars(event byte, eventEn bool, err byte, errEn bool) d2xx.Err { return 0 }

func (f *fakeHandle) SetLatencyTimer(l uint8) d2xx.Err { return 0 }

func (f *fakeHandle) GetDeviceInfo() (uint32, uint16, uint16, d2xx.Err) {
	return f.devType, f.vid, f.did, 0
}

func (f *fakeHandle) EEPROMRead(devType uint32, ee *d2xx.EEPROM) d2xx.Err {
	if f.serial == "" {
		return 15
	}
	ee.Serial = f.serial
	return 0
}

func (f *fakeHandle) ResetDevice() d2xx.Err { return 0 }

func (f *fakeHandle) EEPROMProgram(e *d2xx.EEPROM) d2xx.Err { return 0 }

func (f *fakeHandle) EraseEE() d2xx.Err { return 0 }

func (f *fakeHandle) WriteEE(offset uint8, value uint16) d2xx.Err { return 0 }

func (f *fakeHandle) EEUASize() (int, d2xx.Err) { return 0, 0 }

func (f *fakeHandle) EEUARead(ua []byte) d2xx.Err { return 0 }

func (f *fakeHandle) EEUAWrite(ua []byte) d2xx.Err { return 0 }

func (f *fakeHandle) SetFlowControl() d2xx.Err { return 0 }

// newFakeOpener returns an opener func(int) (d2xx.Handle, d2xx.Err) that
// always returns h, regardless of requested index, for single-device
// tests.
func newFakeOpener(h *fakeHandle) func(int) (d2xx.Handle, d2xx.Err) {
	return func(i int) (d2xx.Handle, d2xx.Err) {
		return h, 0
	}
}
