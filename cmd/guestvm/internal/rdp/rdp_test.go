// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rdp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/infra/process"
)

func TestBuildArgs_Desktop(t *testing.T) {
	args, err := BuildArgs(Options{Port: 3390, Username: "alice", Password: "s3cret", Fullscreen: true})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/v:127.0.0.1:3390",
		"/u:alice",
		"/p:s3cret",
		"/cert:tofu",
		"+clipboard",
		"/sound:sys:alsa",
		"/microphone:sys:alsa",
		"/scale:100",
		"/dynamic-resolution",
		"/f",
	}, args)
}

func TestBuildArgs_RemoteApp(t *testing.T) {
	args, err := BuildArgs(Options{
		Host:     "::1",
		Port:     3389,
		Username: "bob",
		Scale:    140,
		ShareDir: "/home/bob",
		App:      &App{Name: "Paint Shop", Path: `C:\Program Files\paint.exe`, Args: "-new"},
		Extra:    []string{"/log-level:WARN"},
	})
	require.NoError(t, err)
	assert.Contains(t, args, "/scale:140")
	assert.Contains(t, args, "/drive:home,/home/bob")
	assert.Contains(t, args, `/app:program:C:\Program Files\paint.exe,name:Paint Shop,cmd:-new`)
	assert.Contains(t, args, "/wm-class:guestvm-paint-shop")
	assert.NotContains(t, args, "/dynamic-resolution")
	assert.Equal(t, "/log-level:WARN", args[len(args)-1])
}

func TestBuildArgs_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"zero port", Options{Username: "u"}},
		{"port too high", Options{Port: 70000, Username: "u"}},
		{"no username", Options{Port: 3389}},
		{"bad scale", Options{Port: 3389, Username: "u", Scale: 120}},
		{"app without path", Options{Port: 3389, Username: "u", App: &App{Name: "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildArgs(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestRedact(t *testing.T) {
	in := []string{"/u:alice", "/p:s3cret"}
	assert.Equal(t, []string{"/u:alice", "/p:****"}, Redact(in))
	assert.Equal(t, "/p:s3cret", in[1], "input is not modified")
}

func TestLauncher_PicksFirstAvailableClient(t *testing.T) {
	procs := &process.MockManager{}
	l := NewLauncher(Config{
		Procs: procs,
		LookPath: func(name string) (string, bool) {
			if name == "xfreerdp" {
				return "/usr/bin/xfreerdp", true
			}
			return "", false
		},
	})

	pid, err := l.Launch(context.Background(), Options{Port: 3390, Username: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	calls := procs.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Start", calls[0].Method)
	assert.Equal(t, "/usr/bin/xfreerdp", calls[0].Name)
	assert.Equal(t, "/v:127.0.0.1:3390", calls[0].Args[0])
}

func TestLauncher_NoClient(t *testing.T) {
	procs := &process.MockManager{}
	l := NewLauncher(Config{Procs: procs, LookPath: func(string) (string, bool) { return "", false }})

	_, err := l.Launch(context.Background(), Options{Port: 3390, Username: "alice"})
	assert.ErrorIs(t, err, ErrClientNotFound)
	assert.Empty(t, procs.Calls())
}

func TestLauncher_InvalidOptionsSkipLookup(t *testing.T) {
	looked := false
	l := NewLauncher(Config{
		Procs:    &process.MockManager{},
		LookPath: func(string) (string, bool) { looked = true; return "/bin/x", true },
	})

	_, err := l.Launch(context.Background(), Options{Username: "alice"})
	assert.Error(t, err)
	assert.False(t, looked)
}

func TestLauncher_StartFailure(t *testing.T) {
	procs := &process.MockManager{
		StartFunc: func(context.Context, string, ...string) (int, error) {
			return 0, errors.New("exec format error")
		},
	}
	l := NewLauncher(Config{Procs: procs, LookPath: func(n string) (string, bool) { return "/bin/" + n, true }})

	_, err := l.Launch(context.Background(), Options{Port: 3390, Username: "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start /bin/xfreerdp3")
}
