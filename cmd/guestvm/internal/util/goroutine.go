// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package util holds small helpers shared by the guestvm packages: panic-safe
// goroutines, timeout floors and atomic file replacement.
package util

import (
	"runtime/debug"
)

// PanicInfo describes a recovered panic.
type PanicInfo struct {
	Value any
	Stack string
}

// SafeGo runs fn in a goroutine and hands any panic to onPanic instead of
// crashing the process. Background pollers use it so a bug in one poll tick
// shows up as a log line and an offline flag.
func SafeGo(fn func(), onPanic func(PanicInfo)) {
	go func() {
		defer RecoverPanic(onPanic)()
		fn()
	}()
}

// RecoverPanic returns a function for use with defer.
//
//	defer util.RecoverPanic(func(p util.PanicInfo) {
//	    logger.Error("tick panicked", "panic", p.Value)
//	})()
func RecoverPanic(onPanic func(PanicInfo)) func() {
	return func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(PanicInfo{Value: r, Stack: string(debug.Stack())})
		}
	}
}
