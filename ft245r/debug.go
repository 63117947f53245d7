// Copyright 2024 The ft245r Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build ft245r_debug
// +build ft245r_debug

package ft245r

import (
	"log"

	"periph.io/x/d2xx"
	"periph.io/x/d2xx/d2xxtest"
)

// logf is enabled when the build tag ft245r_debug is specified.
func logf(fmt string, v ...interface{}) {
	log.Printf(fmt, v...)
}

// debugOpener wraps opener with d2xxtest.Log so every call into the handle
// is traced through logf, mirroring periph.io/x/host/v3/ftdi/debug.go's
// resetLog.
func debugOpener(opener func(int) (d2xx.Handle, d2xx.Err)) func(int) (d2xx.Handle, d2xx.Err) {
	return func(i int) (d2xx.Handle, d2xx.Err) {
		h, e := opener(i)
		if e != 0 {
			return h, e
		}
		return &d2xxtest.Log{H: h, Printf: logf}, e
	}
}
