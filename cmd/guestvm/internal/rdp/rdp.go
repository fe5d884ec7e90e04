// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rdp launches a FreeRDP client against the guest.
//
// The client is started detached through process.Manager; guestvm does not
// supervise the session. Session state is observed separately through the
// guest's /rdp/status endpoint.
package rdp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/infra/process"
	"github.com/AleutianAI/guestvm/pkg/logging"
)

// DefaultClients are tried in order.
var DefaultClients = []string{"xfreerdp3", "xfreerdp", "sdl-freerdp3"}

// ErrClientNotFound means no FreeRDP binary is on PATH.
var ErrClientNotFound = errors.New("no FreeRDP client found on PATH (install freerdp3 or freerdp2)")

// App selects a single guest program to run as a RemoteApp window instead
// of a full desktop.
type App struct {
	Name string
	Path string
	Args string
}

// Options describe one session.
type Options struct {
	// Host defaults to 127.0.0.1.
	Host string

	// Port is the negotiated host port for guest 3389. Required.
	Port int

	Username string
	Password string

	// App runs one program in RemoteApp mode when set.
	App *App

	// ShareDir is redirected into the guest as drive "home" when set.
	ShareDir string

	// Scale is the desktop scale factor: 100, 140 or 180. Zero means 100.
	Scale int

	Fullscreen bool

	// Extra flags are appended verbatim.
	Extra []string
}

var validScales = map[int]bool{100: true, 140: true, 180: true}

// BuildArgs renders the FreeRDP argument list.
//
// # Description
//
// Produces `/v:host:port /u:user /p:pass /cert:tofu` followed by clipboard,
// sound and display flags. RemoteApp sessions add `/app:program:...` and
// drop the full-desktop display flags.
//
// # Outputs
//
//   - []string: Arguments, without the binary name.
//   - error: Non-nil if the port or scale is invalid or the username is empty.
func BuildArgs(opts Options) ([]string, error) {
	if opts.Port < 1 || opts.Port > 65535 {
		return nil, fmt.Errorf("rdp port %d out of range", opts.Port)
	}
	if opts.Username == "" {
		return nil, errors.New("rdp username is required")
	}
	if opts.Scale == 0 {
		opts.Scale = 100
	}
	if !validScales[opts.Scale] {
		return nil, fmt.Errorf("rdp scale %d is not one of 100, 140, 180", opts.Scale)
	}
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}

	args := []string{
		fmt.Sprintf("/v:%s:%d", host, opts.Port),
		"/u:" + opts.Username,
		"/p:" + opts.Password,
		"/cert:tofu",
		"+clipboard",
		"/sound:sys:alsa",
		"/microphone:sys:alsa",
		fmt.Sprintf("/scale:%d", opts.Scale),
	}
	if opts.ShareDir != "" {
		args = append(args, "/drive:home,"+opts.ShareDir)
	}

	if opts.App != nil {
		if opts.App.Path == "" {
			return nil, errors.New("rdp app path is required")
		}
		app := "program:" + opts.App.Path
		if opts.App.Name != "" {
			app += ",name:" + opts.App.Name
		}
		if opts.App.Args != "" {
			app += ",cmd:" + opts.App.Args
		}
		args = append(args, "/app:"+app, "/wm-class:"+wmClass(opts.App))
	} else {
		args = append(args, "/dynamic-resolution")
		if opts.Fullscreen {
			args = append(args, "/f")
		}
	}
	return append(args, opts.Extra...), nil
}

func wmClass(app *App) string {
	name := app.Name
	if name == "" {
		name = app.Path
	}
	return "guestvm-" + strings.ToLower(strings.ReplaceAll(name, " ", "-"))
}

// Redact hides the password argument for logging.
func Redact(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "/p:") {
			a = "/p:****"
		}
		out[i] = a
	}
	return out
}

// Launcher starts FreeRDP clients.
type Launcher struct {
	procs    process.Manager
	clients  []string
	lookPath func(string) (string, bool)
	logger   *logging.Logger
}

// Config wires a Launcher.
type Config struct {
	Procs process.Manager

	// Clients overrides DefaultClients.
	Clients []string

	// LookPath defaults to process.LookPath.
	LookPath func(string) (string, bool)

	Logger *logging.Logger
}

// NewLauncher returns a Launcher.
func NewLauncher(cfg Config) *Launcher {
	if cfg.Procs == nil {
		cfg.Procs = process.NewExecManager()
	}
	if len(cfg.Clients) == 0 {
		cfg.Clients = DefaultClients
	}
	if cfg.LookPath == nil {
		cfg.LookPath = process.LookPath
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Launcher{
		procs:    cfg.Procs,
		clients:  cfg.Clients,
		lookPath: cfg.LookPath,
		logger:   cfg.Logger.With("component", "rdp"),
	}
}

// Client returns the first FreeRDP binary found on PATH.
func (l *Launcher) Client() (string, error) {
	for _, name := range l.clients {
		if path, ok := l.lookPath(name); ok {
			return path, nil
		}
	}
	return "", ErrClientNotFound
}

// Launch starts a detached session and returns its PID.
func (l *Launcher) Launch(ctx context.Context, opts Options) (int, error) {
	args, err := BuildArgs(opts)
	if err != nil {
		return 0, err
	}
	client, err := l.Client()
	if err != nil {
		return 0, err
	}

	pid, err := l.procs.Start(ctx, client, args...)
	if err != nil {
		return 0, fmt.Errorf("start %s: %w", client, err)
	}
	l.logger.Info("rdp client started",
		"pid", pid,
		"command", process.FormatCommand(client, Redact(args)...),
		"password_set", opts.Password != "")
	return pid, nil
}
