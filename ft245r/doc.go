// Copyright 2024 The ft245r Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ft245r implements an AVR ISP/TPI programmer back-end driven by a
// FT232R/FT245R FTDI bridge operated in synchronous bit-bang mode.
//
// It is a single-threaded, blocking driver: every exported method runs to
// completion before returning and none of them are reentrant. Callers that
// want to share a *Device across goroutines must serialise externally.
//
// The package does not know how to select a part, parse a config file, or
// decide what an AVR opcode looks like; those are supplied by the caller
// through the Part/Mem/OpEncoder interfaces in ops.go. This mirrors
// avrdude's ft245r.c, which is only ever called with an already-resolved
// PROGRAMMER/AVRPART/AVRMEM triple.
//
// Use build tag ft245r_debug to enable verbose wire-level logging.
package ft245r
