// Copyright 2024 The ft245r Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ft245r

// This file defines the external collaborator surface the core consumes as
// opaque primitives (spec §1 and §6): opcode tables, byte-level default
// read/write, page-write, and the TPI chip-erase/program-enable helpers. The
// core never interprets what an opcode means; it just asks the Part for one
// and serializes whatever 4 bytes come back through the ISP codec.

// Op names an MCU opcode slot a Part may or may not have populated. The
// core only ever asks for the ones it actually drives.
type Op int

const (
	OpPgmEnable Op = iota
	OpChipErase
	OpLoadExtAddr
	OpLoadPageLo
	OpLoadPageHi
	OpReadLo
	OpReadHi
)

func (o Op) String() string {
	switch o {
	case OpPgmEnable:
		return "PGM_ENABLE"
	case OpChipErase:
		return "CHIP_ERASE"
	case OpLoadExtAddr:
		return "LOAD_EXT_ADDR"
	case OpLoadPageLo:
		return "LOADPAGE_LO"
	case OpLoadPageHi:
		return "LOADPAGE_HI"
	case OpReadLo:
		return "READ_LO"
	case OpReadHi:
		return "READ_HI"
	default:
		return "<unknown op>"
	}
}

// MemKind distinguishes the memory spaces PagedWrite/PagedLoad reason
// about. Anything other than Flash falls back to byte-level I/O (spec
// §4.F "EEPROM and other memories").
type MemKind int

const (
	MemFlash MemKind = iota
	MemEEPROM
	MemOther
)

// Mem describes one memory region of the target part, exactly as much as
// the core needs to fragment a paged operation: its kind, page size, and
// total size. The host owns the backing buffer; PagedWrite/PagedLoad read
// and write through it via ByteReader/ByteWriter/WritePage.
type Mem struct {
	Kind     MemKind
	PageSize int
	Size     int
}

// OpEncoder turns a part opcode plus an address plus an input byte into the
// 4-byte SPI-like command this core clocks out via the ISP codec. Supplied
// by the host; the core has no idea what an AVR opcode table looks like
// (spec §1).
type OpEncoder interface {
	// Encode returns the 4-byte command for op against mem at addr, with
	// input folded in where the opcode format calls for it (e.g. the data
	// byte of a LOADPAGE command). ok is false if the part has no encoding
	// for op, mirroring avrdude's "avr_op == NULL" check.
	Encode(op Op, mem *Mem, addr int, input byte) (cmd [4]byte, ok bool)

	// PollIndex and PollValue report where in a 4-byte program-enable
	// response to look for confirmation, per spec §4.G step 4.
	PollIndex() int
	PollValue() byte
}

// Part is the subset of a host's part-description type the core needs:
// enough to name the part in diagnostics, to know whether it talks ISP or
// TPI, and, for TPI parts, the two host-supplied collaborators ProgramEnable
// and ChipErase delegate to instead of the ISP opcode path (spec §1:
// is_tpi(p) routes to avr_tpi_program_enable/avr_tpi_chip_erase).
type Part interface {
	Desc() string
	IsTPI() bool
	Encoder() OpEncoder

	// ProgramEnableTPI and ChipEraseTPI are consulted only when IsTPI
	// returns true. A nil return is a missing-collaborator error, exactly
	// like an OpEncoder that returns ok=false.
	ProgramEnableTPI() ProgramEnableTPI
	ChipEraseTPI() ChipEraseTPI
}

// ByteReader is the host's default byte-level memory read primitive,
// supplied for memories the pager does not know how to fragment (spec
// §4.F).
type ByteReader func(mem *Mem, addr int) (byte, error)

// ByteWriter is the host's default byte-level memory write primitive.
type ByteWriter func(mem *Mem, addr int, value byte) error

// WritePage is invoked once per completed page during a flash PagedWrite,
// after every fragment covering that page has been issued and retired
// (spec §4.F "At each end-of-page... invoke the external write_page
// primitive").
type WritePage func(mem *Mem, pageAddr int) error

// ChipEraseTPI performs a chip erase over the TPI wire. Supplied by the
// host because the NVM controller sequence is part-family specific and out
// of scope for this core (spec §1).
type ChipEraseTPI func(d *Device) error

// ProgramEnableTPI performs the TPI program-enable handshake (the
// SKEY/NVM-unlock sequence), again supplied by the host.
type ProgramEnableTPI func(d *Device) error
