// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestPrinter(mode Mode) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewPrinter(&out, &errOut, mode), &out, &errOut
}

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"rich":    ModeRich,
		"FULL":    ModeRich,
		"machine": ModeMachine,
		" q ":     ModeMachine,
		"plain":   ModePlain,
		"":        ModePlain,
		"weird":   ModePlain,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseMode(in), in)
	}
}

func TestDetectMode_EnvOverride(t *testing.T) {
	t.Setenv(EnvOutput, "plain")
	assert.Equal(t, ModePlain, DetectMode(os.Stdout))
}

func TestDetectMode_NotTerminal(t *testing.T) {
	t.Setenv(EnvOutput, "")
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	assert.Equal(t, ModeMachine, DetectMode(f))
	assert.False(t, IsTerminal(nil))
}

func TestPrinter_MachineMode(t *testing.T) {
	p, out, errOut := newTestPrinter(ModeMachine)
	p.Title("Guest status")
	p.Success("container started")
	p.Warning("qmp disabled")
	p.Error("bind failed")
	p.Info("hello")
	p.Step(true, "COMPLETED")

	assert.Equal(t, "OK: container started\nhello\nSTEP\tCOMPLETED\n", out.String())
	assert.Equal(t, "WARN: qmp disabled\nERROR: bind failed\n", errOut.String())
}

func TestPrinter_PlainMode(t *testing.T) {
	p, out, errOut := newTestPrinter(ModePlain)
	p.Title("Guest status")
	p.Success("done")
	p.Step(false, "STARTING_CONTAINER")
	p.Error("boom")

	assert.Equal(t, "Guest status\n✓ done\n○ STARTING_CONTAINER\n", out.String())
	assert.Equal(t, "✗ boom\n", errOut.String())
}

func TestPrinter_KeyValues(t *testing.T) {
	p, out, _ := newTestPrinter(ModePlain)
	p.KeyValues([][2]string{{"status", "running"}, {"rdp", "connected"}})
	assert.Equal(t, "status  running\nrdp     connected\n", out.String())

	m, mout, _ := newTestPrinter(ModeMachine)
	m.KeyValues([][2]string{{"status", "running"}})
	assert.Equal(t, "status\trunning\n", mout.String())
}

func TestPrinter_Table(t *testing.T) {
	p, out, _ := newTestPrinter(ModePlain)
	p.Table([]string{"GUEST", "HOST"}, [][]string{{"3389", "3390"}, {"8006", "8006"}})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{"GUEST  HOST", "3389   3390", "8006   8006"}, lines)

	m, mout, _ := newTestPrinter(ModeMachine)
	m.Table([]string{"GUEST", "HOST"}, [][]string{{"3389", "3390"}})
	assert.Equal(t, "3389\t3390\n", mout.String())
}

func TestPrinter_Box(t *testing.T) {
	m, out, _ := newTestPrinter(ModeMachine)
	m.Box("Port remapped", "3389 -> 3390")
	assert.Equal(t, "Port remapped: 3389 -> 3390\n", out.String())

	r, rout, _ := newTestPrinter(ModeRich)
	r.Box("Port remapped", "3389 -> 3390")
	assert.Contains(t, rout.String(), "3389 -> 3390")
	assert.Contains(t, rout.String(), "╭")
}

func TestPrinter_BadgePlainIsUnstyled(t *testing.T) {
	p, _, _ := newTestPrinter(ModePlain)
	assert.Equal(t, "exited", p.Badge("exited", false))
}

func TestIcon_Render(t *testing.T) {
	assert.Contains(t, IconSuccess.Render(), "✓")
	assert.Contains(t, IconError.Render(), "✗")
	assert.Equal(t, "→", IconArrow.Render())
}
