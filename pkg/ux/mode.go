// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode controls how rich CLI output is.
type Mode string

const (
	// ModeRich uses colors, icons and boxes.
	ModeRich Mode = "rich"

	// ModePlain keeps icons but drops colors and boxes.
	ModePlain Mode = "plain"

	// ModeMachine prints tab-separated lines for scripts.
	ModeMachine Mode = "machine"
)

// EnvOutput overrides mode detection.
const EnvOutput = "GUESTVM_OUTPUT"

// ParseMode converts a flag or environment value. Unknown values give
// ModePlain.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich", "full", "color":
		return ModeRich
	case "machine", "quiet", "q", "tsv":
		return ModeMachine
	default:
		return ModePlain
	}
}

// DetectMode picks a mode for f: the GUESTVM_OUTPUT override, else rich on a
// terminal and machine otherwise.
func DetectMode(f *os.File) Mode {
	if env := os.Getenv(EnvOutput); env != "" {
		return ParseMode(env)
	}
	if IsTerminal(f) {
		return ModeRich
	}
	return ModeMachine
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
