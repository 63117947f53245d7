// Copyright 2024 The ft245r Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ft245r

// reqOutstandings is REQ_OUTSTANDINGS: the pipelining ceiling (spec §6).
const reqOutstandings = 10

// request is one fragment's read-back bookkeeping (spec §3). Nodes are
// recycled through pager.free, an intrusive singly-linked free-list, to
// avoid per-fragment heap churn on the hot path.
type request struct {
	addr  int
	bytes int
	n     int
	next  *request
}

// pager is the FIFO queue of in-flight requests plus its free-list (spec
// §4.F, §9 "map to an arena-backed free-list").
type pager struct {
	head, tail *request
	free       *request
	n          int
}

func (p *pager) alloc() *request {
	if r := p.free; r != nil {
		p.free = r.next
		r.next = nil
		return r
	}
	return &request{}
}

func (p *pager) release(r *request) {
	r.addr, r.bytes, r.n = 0, 0, 0
	r.next = p.free
	p.free = r
}

func (p *pager) enqueue(r *request) {
	if p.tail == nil {
		p.head, p.tail = r, r
	} else {
		p.tail.next = r
		p.tail = r
	}
	p.n++
}

func (p *pager) dequeue() *request {
	r := p.head
	if r == nil {
		return nil
	}
	p.head = r.next
	if p.head == nil {
		p.tail = nil
	}
	r.next = nil
	p.n--
	return r
}

func (p *pager) empty() bool { return p.head == nil }

// fragment accumulates host bytes for one in-flight USB write, to be
// closed by closeFragment once full, at an end-of-page, or at the end of
// the requested range (spec §4.F).
type fragment struct {
	buf     []byte
	startAt int // MCU byte address the fragment's first command addresses.
}

func newFragment(addr int) *fragment {
	return &fragment{buf: make([]byte, 0, fragmentSize+1), startAt: addr}
}

func (f *fragment) append(cmd []byte) {
	f.buf = append(f.buf, cmd...)
}

// closeFragment appends the trailing byte described in spec §4.D: a
// stretch byte (duplicate of the last emitted byte) when more fragments
// follow, or an SCK-low idle byte when this is the last fragment in the
// range.
func (d *Device) closeFragment(f *fragment, last bool) {
	if last {
		d.shadow.out = setBits(d.shadow.out, d.pins[PinSCK], false)
		f.buf = append(f.buf, d.shadow.out)
	} else {
		f.buf = append(f.buf, f.buf[len(f.buf)-1])
	}
}

// doRequest retires a write-side request: it blocks until r.bytes of echo
// are available and discards them (n==0 means "no data to recover", spec
// §4.F).
func (d *Device) doRequest(r *request) error {
	stream := make([]byte, r.bytes)
	return d.ch.recv(stream)
}

// PagedWrite writes n bytes from buf into mem starting at addr. Flash
// writes are pipelined through the fragment/request machinery of spec
// §4.F; any other memory kind falls back to byteWriter one byte at a time.
// Memory kinds the caller hasn't wired a fallback for return
// ErrUnsupportedMemory, mirroring avrdude's -2 convention.
func (d *Device) PagedWrite(mem *Mem, addr, n int, buf []byte, enc OpEncoder, writePage WritePage, byteWriter ByteWriter) (int, error) {
	if n == 0 {
		return 0, nil
	}
	if mem.Kind != MemFlash {
		if byteWriter == nil {
			return 0, ErrUnsupportedMemory
		}
		for i := 0; i < n; i++ {
			if err := byteWriter(mem, addr+i, buf[i]); err != nil {
				return i, err
			}
		}
		return n, nil
	}
	return n, d.pagedWriteFlash(mem, addr, n, buf, enc, writePage)
}

func (d *Device) pagedWriteFlash(mem *Mem, addr, n int, buf []byte, enc OpEncoder, writePage WritePage) error {
	var p pager
	pageAddr := addr - addr%mem.PageSize
	var frag *fragment

	flushOutstanding := func() error {
		for !p.empty() {
			r := p.dequeue()
			if err := d.doRequest(r); err != nil {
				p.release(r)
				return err
			}
			p.release(r)
		}
		return nil
	}

	closeAndIssue := func(last bool) error {
		if frag == nil || len(frag.buf) == 0 {
			return nil
		}
		d.closeFragment(frag, last)
		if err := d.ch.send(frag.buf, false); err != nil {
			return err
		}
		r := p.alloc()
		r.addr = frag.startAt
		r.bytes = len(frag.buf)
		r.n = 0
		p.enqueue(r)
		if p.n > reqOutstandings {
			stale := p.dequeue()
			if err := d.doRequest(stale); err != nil {
				p.release(stale)
				return err
			}
			p.release(stale)
		}
		frag = nil
		return nil
	}

	for i := 0; i < n; {
		a := addr + i
		if frag == nil {
			frag = newFragment(a)
		}
		op := OpLoadPageLo
		if a&1 != 0 {
			op = OpLoadPageHi
		}
		cmd4, ok := enc.Encode(op, mem, a, buf[i])
		if !ok {
			return missingOp(op, d.part)
		}
		frag.append(d.shadow.encodeCmd(d.pins, cmd4))
		i++

		endOfPage := (addr+i)-pageAddr >= mem.PageSize || i >= n
		if len(frag.buf) >= fragmentSize || endOfPage {
			last := i >= n
			if err := closeAndIssue(last); err != nil {
				return err
			}
		}
		if endOfPage {
			if err := flushOutstanding(); err != nil {
				return err
			}
			if writePage != nil {
				if err := writePage(mem, pageAddr); err != nil {
					return err
				}
			}
			pageAddr += mem.PageSize
		}
	}
	return flushOutstanding()
}

// PagedLoad reads n bytes from mem starting at addr into buf. Flash reads
// are pipelined the same way as writes; LOAD_EXT_ADDR, when the part
// defines it, is emitted exactly once at the start of the range (spec
// §4.F). Other memory kinds fall back to byteReader.
func (d *Device) PagedLoad(mem *Mem, addr, n int, buf []byte, enc OpEncoder, byteReader ByteReader) (int, error) {
	if n == 0 {
		return 0, nil
	}
	if mem.Kind != MemFlash {
		if byteReader == nil {
			return 0, ErrUnsupportedMemory
		}
		for i := 0; i < n; i++ {
			v, err := byteReader(mem, addr+i)
			if err != nil {
				return i, err
			}
			buf[i] = v
		}
		return n, nil
	}
	return n, d.pagedLoadFlash(mem, addr, n, buf, enc)
}

func (d *Device) pagedLoadFlash(mem *Mem, addr, n int, buf []byte, enc OpEncoder) error {
	if extCmd, ok := enc.Encode(OpLoadExtAddr, mem, addr, 0); ok {
		if _, err := d.cmd(extCmd); err != nil {
			return err
		}
	}

	var p pager
	var frag *fragment
	// spans tracks, per outstanding request in FIFO order, the offset into
	// buf its extracted bytes land at.
	var spans []int

	retireOne := func() error {
		r := p.dequeue()
		from := spans[0]
		spans = spans[1:]
		stream := make([]byte, r.bytes)
		if err := d.ch.recv(stream); err != nil {
			p.release(r)
			return err
		}
		for j := 0; j < r.n; j++ {
			// The reply byte of each 4-byte read command is its last word.
			buf[from+j] = extractData(stream, d.pins, j*4+3)
		}
		p.release(r)
		return nil
	}

	closeAndIssue := func(last bool, fragStart int, count int) error {
		if frag == nil || len(frag.buf) == 0 {
			return nil
		}
		d.closeFragment(frag, last)
		if err := d.ch.send(frag.buf, false); err != nil {
			return err
		}
		r := p.alloc()
		r.addr = fragStart
		r.bytes = len(frag.buf)
		r.n = count
		p.enqueue(r)
		spans = append(spans, fragStart-addr)
		if p.n > reqOutstandings {
			if err := retireOne(); err != nil {
				return err
			}
		}
		frag = nil
		return nil
	}

	fragStart := addr
	count := 0
	for i := 0; i < n; {
		a := addr + i
		if frag == nil {
			frag = newFragment(a)
			fragStart = a
			count = 0
		}
		op := OpReadLo
		if a&1 != 0 {
			op = OpReadHi
		}
		cmd4, ok := enc.Encode(op, mem, a, 0)
		if !ok {
			return missingOp(op, d.part)
		}
		frag.append(d.shadow.encodeCmd(d.pins, cmd4))
		count++
		i++

		if len(frag.buf) >= fragmentSize || i >= n {
			last := i >= n
			if err := closeAndIssue(last, fragStart, count); err != nil {
				return err
			}
		}
	}
	for !p.empty() {
		if err := retireOne(); err != nil {
			return err
		}
	}
	return nil
}
