// Copyright 2024 The ft245r Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build !ft245r_debug
// +build !ft245r_debug

package ft245r

import "periph.io/x/d2xx"

// logf is disabled when the build tag ft245r_debug is not specified.
func logf(fmt string, v ...interface{}) {
}

// debugOpener is a no-op passthrough when the build tag ft245r_debug is
// not specified.
func debugOpener(opener func(int) (d2xx.Handle, d2xx.Err)) func(int) (d2xx.Handle, d2xx.Err) {
	return opener
}
