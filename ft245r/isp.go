// Copyright 2024 The ft245r Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ft245r

// FT245R_CYCLES bit-bang slots represent one MCU SPI clock: slot 0 presents
// SDO with SCK low, slot 1 raises SCK with SDO unchanged (spec §4.D).
const ispCycles = 2

// ftCmdSize is FT245R_CMD_SIZE: the number of host bytes one 4-byte SPI
// command expands to, not counting any trailing stretch/idle byte (spec
// §6): 4 MCU bytes x 8 bits x ispCycles.
const ftCmdSize = 4 * 8 * ispCycles

// fragmentSize is FT245R_FRAGMENT_SIZE: the pager closes a fragment after
// accumulating this many host bytes (spec §6), equal to 8 commands.
const fragmentSize = 8 * ftCmdSize

// addBit appends the two-slot bit-bang cycle for one MCU bit to buf,
// updating the shadow register's SDO line between slots. It returns the
// extended slice.
func (s *shadow) addBit(buf []byte, pins PinMap, bit bool) []byte {
	s.out = setBits(s.out, pins[PinSDO], bit)
	buf = append(buf, s.out) // slot 0: SDO presented, SCK low.
	s.out = setBits(s.out, pins[PinSCK], true)
	buf = append(buf, s.out) // slot 1: SCK rising edge, SDI sampled here.
	s.out = setBits(s.out, pins[PinSCK], false)
	return buf
}

// setData serializes b MSB-first into buf via addBit, matching avrdude's
// ft245r_set_data.
func (s *shadow) setData(buf []byte, pins PinMap, b byte) []byte {
	for i := 7; i >= 0; i-- {
		buf = s.addBit(buf, pins, b&(1<<uint(i)) != 0)
	}
	return buf
}

// extractData reassembles one MCU byte from stream. SDI is valid only
// after the rising SCK edge that was clocked out for the *next* bit, so
// the sample for bit i is read one full cycle after that bit's slot 0,
// at off+(i+1)*ispCycles, not out of the cycle that transmitted it (spec
// §4.D/§9: off-by-one here is silent data corruption). This is why cmd
// and closeFragment both append one trailing byte (SCK-low or stretch):
// it is what bit 7's sample is actually read from.
func extractData(stream []byte, pins PinMap, wordIndex int) byte {
	var b byte
	off := wordIndex * 8 * ispCycles
	for i := 0; i < 8; i++ {
		sample := stream[off+(i+1)*ispCycles]
		bit := getBits(sample, pins[PinSDI])
		b <<= 1
		if bit {
			b |= 1
		}
	}
	return b
}

// encodeCmd serializes cmd MSB-first into exactly ftCmdSize host bytes,
// with no trailing byte: that decision belongs to whoever is closing a
// fragment (spec §4.D), not to the encoder.
func (s *shadow) encodeCmd(pins PinMap, cmd [4]byte) []byte {
	buf := make([]byte, 0, ftCmdSize)
	for _, b := range cmd {
		buf = s.setData(buf, pins, b)
	}
	return buf
}

// cmd serializes cmd, appends a trailing byte with SCK low (the SCK-idle
// state, this being a single standalone command rather than part of a
// pipelined fragment), sends it synchronously, receives the echo, and
// extracts the 4 result bytes into res (spec §4.D).
func (d *Device) cmd(cmd [4]byte) ([4]byte, error) {
	var res [4]byte
	buf := d.shadow.encodeCmd(d.pins, cmd)
	d.shadow.out = setBits(d.shadow.out, d.pins[PinSCK], false)
	buf = append(buf, d.shadow.out)

	if err := d.ch.send(buf, false); err != nil {
		return res, err
	}
	stream := make([]byte, len(buf))
	if err := d.ch.recv(stream); err != nil {
		return res, err
	}
	for i := 0; i < 4; i++ {
		res[i] = extractData(stream, d.pins, i)
	}
	return res, nil
}
