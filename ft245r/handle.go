// Copyright 2024 The ft245r Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ft245r

import (
	"context"
	"io"

	"periph.io/x/d2xx"
)

// bitMode mirrors the subset of FT_SetBitMode modes this driver uses.
//
// Grounded on periph.io/x/host/v3/ftdi/handle.go's bitMode constants; only
// the two modes the synchronous bit-bang programmer ever switches between
// are kept.
type bitMode uint8

const (
	// bitModeReset resets all pins and disables bit-bang mode.
	bitModeReset bitMode = 0x00
	// bitModeSyncBB sets the DBus to synchronous bit-bang mode (FT232R,
	// FT245R and others).
	bitModeSyncBB bitMode = 0x04
)

// numDevices returns the number of connected FTDI devices.
func numDevices() (int, error) {
	n, e := d2xx.CreateDeviceInfoList()
	if e != 0 {
		return 0, toErr("CreateDeviceInfoList", e)
	}
	return n, nil
}

// handle is a thin wrapper over a d2xx.Handle, grounded on
// periph.io/x/host/v3/ftdi/handle.go, specialised to what a synchronous
// bit-bang AVR programmer needs: bitmode switching, a fixed baud rate, raw
// blocking read/write, and EEPROM serial lookup for device resolution. It
// does not implement MPSSE, I2C, SPI, CBus, or full EEPROM programming;
// those concerns belong to periph's general-purpose ftdi package, not to
// this programmer core.
type handle struct {
	h     d2xx.Handle
	devT  uint32
	venID uint16
	devID uint16
}

// openHandle opens device index i using opener (d2xx.Open in production,
// swapped out in tests) and reads back its USB descriptor.
func openHandle(opener func(i int) (d2xx.Handle, d2xx.Err), i int) (*handle, error) {
	h, e := opener(i)
	if e != 0 {
		return nil, toErr("Open", e)
	}
	d := &handle{h: h}
	t, vid, did, e := h.GetDeviceInfo()
	if e != 0 {
		_ = d.close()
		return nil, toErr("GetDeviceInfo", e)
	}
	d.devT = t
	d.venID = vid
	d.devID = did
	return d, nil
}

// init performs the one-time setup every opened device needs: maximum USB
// packet size, generous I/O timeouts, no event/error characters, and a 1ms
// latency timer (spec §4.A).
func (h *handle) init() error {
	if e := h.h.SetUSBParameters(65536, 0); e != 0 {
		return toErr("SetUSBParameters", e)
	}
	if e := h.h.SetTimeouts(15000, 15000); e != 0 {
		return toErr("SetTimeouts", e)
	}
	if e := h.h.SetChars(0, false, 0, false); e != 0 {
		return toErr("SetChars", e)
	}
	if e := h.h.SetLatencyTimer(1); e != 0 {
		return toErr("SetLatencyTimer", e)
	}
	return nil
}

// setBitMode switches the chip's mode of operation. mask sets which data
// pins are driven as outputs; it is ignored by bitModeReset.
func (h *handle) setBitMode(mask byte, mode bitMode) error {
	return toErr("SetBitMode", h.h.SetBitMode(mask, byte(mode)))
}

// getBitMode returns the instantaneous level of the data pins without
// consuming anything from the synchronous-bit-bang echo stream. This is
// what a pin read (spec §4.C) uses; recv/fill, in contrast, consume the
// echo stream.
func (h *handle) getBitMode() (byte, error) {
	l, e := h.h.GetBitMode()
	if e != 0 {
		return 0, toErr("GetBitMode", e)
	}
	return l, nil
}

// setBaudRate sets the FTDI bit-bang baud rate argument. Per spec §4.C the
// caller must already have divided the desired toggle rate by 4.
func (h *handle) setBaudRate(v uint32) error {
	return toErr("SetBaudRate", h.h.SetBaudRate(v))
}

// write issues a single raw write to the chip and returns however many
// bytes it accepted. Unlike a generic blocking Write, this does not retry:
// the channel's flush step (spec §4.B) is the one place a short write
// becomes the fatal ErrShortWrite, exactly as avrdude's ft245r_flush does
// with a single ftdi_write_data call.
func (h *handle) write(b []byte) (int, error) {
	n, e := h.h.Write(b)
	return n, toErr("Write", e)
}

// read returns as much as is immediately available, without blocking.
func (h *handle) read(b []byte) (int, error) {
	p, e := h.h.GetQueueStatus()
	if e != 0 {
		return 0, toErr("GetQueueStatus", e)
	}
	if p == 0 {
		return 0, nil
	}
	v := int(p)
	if v > len(b) {
		v = len(b)
	}
	n, e := h.h.Read(b[:v])
	return n, toErr("Read", e)
}

// readAll blocks until len(b) bytes have been read or ctx is cancelled.
func (h *handle) readAll(ctx context.Context, b []byte) (int, error) {
	off := 0
	for off != len(b) {
		if ctx.Err() != nil {
			return off, io.EOF
		}
		n, err := h.read(b[off:])
		off += n
		if err != nil {
			return off, err
		}
	}
	return off, nil
}

// readEEPROMSerial reads just the serial number string out of the device's
// EEPROM, for resolving a usb:<serial> port string (spec §9). Returns "" if
// the device has no EEPROM content programmed yet.
func (h *handle) readEEPROMSerial() (string, error) {
	ee := d2xx.EEPROM{Raw: make([]byte, 256)}
	e := h.h.EEPROMRead(h.devT, &ee)
	if e != 0 {
		// 15 == FT_EEPROM_NOT_PROGRAMMED; a fresh device has no serial yet.
		if e == 15 {
			return "", nil
		}
		return "", toErr("EEPROMRead", e)
	}
	return ee.Serial, nil
}

func (h *handle) close() error {
	return toErr("Close", h.h.Close())
}
