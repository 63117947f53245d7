// Copyright 2024 The ft245r Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ft245r

import "time"

// Compile-time constants from spec §6.
const (
	fifoChunk  = 128  // FIFO_CHUNK: size of the TX staging buffer and the FTDI chip's minimum FIFO.
	rxCapacity = 8192 // RX_CAPACITY: size of the local receive ring buffer.

	// variablePulseWidthWorkaround mirrors
	// BITBANG_VARIABLE_PULSE_WIDTH_WORKAROUND. Disabled by default: with it
	// false, baudMultiplier is always 1 and every repetition below is a
	// no-op, exactly as spec §9 requires.
	variablePulseWidthWorkaround = false
)

// txBuffer is the small staging buffer described in spec §3: bytes
// accumulate here until the buffer fills or a recv is requested.
type txBuffer struct {
	buf [fifoChunk]byte
	len int
}

// rxRing is the receive ring buffer described in spec §3.
type rxRing struct {
	buf     [rxCapacity]byte
	len, rd, wr int
	pending int // bytes written to the chip not yet reclaimed by a local read.
	discard int // bytes the next recv must read and drop.
}

func (r *rxRing) put(b byte) {
	r.buf[r.wr] = b
	r.wr++
	if r.wr >= rxCapacity {
		r.wr = 0
	}
	r.len++
}

func (r *rxRing) get() byte {
	b := r.buf[r.rd]
	r.rd++
	if r.rd >= rxCapacity {
		r.rd = 0
	}
	r.len--
	return b
}

func (r *rxRing) purge() {
	r.len, r.rd, r.wr = 0, 0, 0
}

// Channel is the buffered duplex channel of spec §4.B: it keeps writes to
// the chip bounded by the chip's small receive FIFO (tracked via
// rx.pending) and lets callers pull the resulting echo stream back out in
// order, with an internal scratch area for bytes the caller doesn't care
// about (rx.discard).
type Channel struct {
	t   *handle
	tx  txBuffer
	rx  rxRing
	ddr byte // current direction register, needed to re-assert SYNCBB after drain.

	baudMultiplier int
}

// newChannel creates a Channel bound to t, with every repeated-bit emitted
// baudMultiplier times (spec §4.C). baudMultiplier must be >= 1.
func newChannel(t *handle, ddr byte, baudMultiplier int) *Channel {
	if baudMultiplier < 1 {
		baudMultiplier = 1
	}
	return &Channel{t: t, ddr: ddr, baudMultiplier: baudMultiplier}
}

// send appends each byte of buf to the TX staging buffer, flushing to the
// chip whenever it fills. When discard is set, the echo of every emitted
// copy is marked to be dropped by the next recv (spec §4.B).
func (c *Channel) send(buf []byte, discard bool) error {
	for _, b := range buf {
		for j := 0; j < c.baudMultiplier; j++ {
			if discard {
				c.rx.discard++
			}
			c.tx.buf[c.tx.len] = b
			c.tx.len++
			if c.tx.len >= fifoChunk {
				if err := c.flush(); err != nil {
					return err
				}
				c.tx.len = 0
			}
		}
	}
	return nil
}

// flush pushes the staged TX bytes to the chip, never letting more than
// fifoChunk bytes be outstanding on the chip's receive FIFO at once (spec
// §4.B rationale: the FT232R's receive FIFO is small; unbounded issuance
// would overflow it and silently lose samples).
//
// flush does not reset tx.len; callers that want the staging buffer cleared
// (recv, usleep) do so themselves, exactly as avrdude's ft245r_flush leaves
// my.tx.len untouched.
func (c *Channel) flush() error {
	length := c.tx.len
	if length == 0 {
		return nil
	}
	src := c.tx.buf[:length]
	for length > 0 {
		avail := fifoChunk - c.rx.pending
		if avail <= 0 {
			n, err := c.fill()
			if err != nil {
				return err
			}
			avail = n
		}
		if avail > length {
			avail = length
		}
		n, err := c.t.write(src[:avail])
		if err != nil {
			return err
		}
		if n != avail {
			return ErrShortWrite
		}
		logf("flush: wrote %d bytes\n", n)
		src = src[n:]
		length -= n
		c.rx.pending += n
	}
	return nil
}

// fill asks the transport for up to rx.pending bytes and appends whatever
// it gets to the ring. A short read, including zero, is allowed; the
// caller is responsible for retrying.
func (c *Channel) fill() (int, error) {
	var raw [fifoChunk]byte
	want := c.rx.pending
	if want > fifoChunk {
		want = fifoChunk
	}
	n, err := c.t.read(raw[:want])
	if err != nil {
		return 0, err
	}
	c.rx.pending -= n
	for i := 0; i < n; i++ {
		c.rx.put(raw[i])
	}
	logf("fill: read %d bytes (pending=%d)\n", n, c.rx.pending)
	return n, nil
}

// fillAndGet blocks until the ring has at least one byte, then returns it.
func (c *Channel) fillAndGet() (byte, error) {
	for c.rx.len == 0 {
		if _, err := c.fill(); err != nil {
			return 0, err
		}
	}
	return c.rx.get(), nil
}

// recv flushes any pending writes, harvests one batch, drops the bytes
// queued for discard, and then returns the next len(buf) bytes, blocking as
// needed (spec §4.B).
func (c *Channel) recv(buf []byte) error {
	if err := c.flush(); err != nil {
		return err
	}
	c.tx.len = 0
	if _, err := c.fill(); err != nil {
		return err
	}
	logf("recv: discarding %d, consuming %d bytes\n", c.rx.discard, len(buf))
	for c.rx.discard > 0 {
		if _, err := c.fillAndGet(); err != nil {
			return err
		}
		c.rx.discard--
	}
	for i := range buf {
		b, err := c.fillAndGet()
		if err != nil {
			return err
		}
		buf[i] = b
		if variablePulseWidthWorkaround {
			for j := 1; j < c.baudMultiplier; j++ {
				if _, err := c.fillAndGet(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// drain flushes the chip's internal buffer by cycling the bit mode, then
// purges the local ring (spec §4.B).
func (c *Channel) drain() error {
	if err := c.t.setBitMode(0, bitModeReset); err != nil {
		return err
	}
	if err := c.t.setBitMode(c.ddr, bitModeSyncBB); err != nil {
		return err
	}
	c.rx.purge()
	return nil
}

// usleep flushes any pending writes, clears the staging buffer, and sleeps
// for d. Used wherever the original calls ft245r_usleep.
func (c *Channel) usleep(d time.Duration) error {
	if err := c.flush(); err != nil {
		return err
	}
	c.tx.len = 0
	time.Sleep(d)
	return nil
}
