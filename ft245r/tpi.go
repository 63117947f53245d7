// Copyright 2024 The ft245r Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ft245r

// TPI ties SDO and SDI through a resistor, so every transmitted bit is
// also read back on the same wire (spec §4.E). Frames are LSB-first: start
// bit (0), 8 data bits, even parity, two stop bits (1, 1).

// txByte emits one TPI frame for b. The echo is not needed at this level,
// so the bits are sent with discard set.
func (d *Device) txByte(b byte) error {
	buf := make([]byte, 0, 12*ispCycles) // start + 8 data + parity + 2 stop
	buf = d.shadow.addBit(buf, d.pins, false) // start bit
	parity := false
	for i := 0; i < 8; i++ {
		bit := b&(1<<uint(i)) != 0
		parity = parity != bit
		buf = d.shadow.addBit(buf, d.pins, bit)
	}
	buf = d.shadow.addBit(buf, d.pins, parity)
	buf = d.shadow.addBit(buf, d.pins, true) // stop bit 1
	buf = d.shadow.addBit(buf, d.pins, true) // stop bit 2
	return d.ch.send(buf, true)
}

// rxByte receives one TPI frame. SDO is driven high for 16 bit-cycles (two
// full "bytes" of idle) while SDI is sampled; the 16 samples are packed
// into res with the sample from cycle k at bit k (LSB-first), then hunted
// for a start bit.
func (d *Device) rxByte() (byte, error) {
	buf := make([]byte, 0, 16*ispCycles)
	for i := 0; i < 16; i++ {
		buf = d.shadow.addBit(buf, d.pins, true)
	}
	if err := d.ch.send(buf, false); err != nil {
		return 0, err
	}
	stream := make([]byte, len(buf))
	if err := d.ch.recv(stream); err != nil {
		return 0, err
	}

	var res uint32
	for k := 0; k < 16; k++ {
		sample := stream[k*ispCycles+1]
		if getBits(sample, d.pins[PinSDI]) {
			res |= 1 << uint(k)
		}
	}
	return decodeTPIFrame(res)
}

// decodeTPIFrame hunts for the start bit in res (the bus idles high, so the
// start bit is the lowest-position 0 bit) and decodes the 8 data bits,
// parity bit and two stop bits that follow it. Allows the start bit to sit
// anywhere in the first 4 sampled positions; a bus stuck high throughout
// is a framing error.
func decodeTPIFrame(res uint32) (byte, error) {
	m := uint(0)
	for m < 4 && res&(1<<m) != 0 {
		m++
	}
	if m >= 4 {
		return 0, ErrTPIFraming
	}

	var b byte
	parity := false
	for i := 0; i < 8; i++ {
		bit := res&(1<<(m+1+uint(i))) != 0
		parity = parity != bit
		if bit {
			b |= 1 << uint(i)
		}
	}
	parityBit := res&(1<<(m+9)) != 0
	if parityBit != parity {
		return 0, ErrTPIParity
	}
	stop1 := res&(1<<(m+10)) != 0
	stop2 := res&(1<<(m+11)) != 0
	if !stop1 || !stop2 {
		return 0, ErrTPIFraming
	}
	return b, nil
}

// cmdTPI emits one TX frame per byte of cmd, then receives len(res) frames
// into res, stopping at the first receive error (spec §4.E).
func (d *Device) cmdTPI(cmd []byte, res []byte) error {
	logf("cmdTPI: tx=% x res_len=%d\n", cmd, len(res))
	for _, b := range cmd {
		if err := d.txByte(b); err != nil {
			return err
		}
	}
	for i := range res {
		b, err := d.rxByte()
		if err != nil {
			return err
		}
		res[i] = b
	}
	logf("cmdTPI: rx=% x\n", res)
	return nil
}
