// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/composespec"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/rdp"
)

type rdpFlags struct {
	appPath    string
	appName    string
	appArgs    string
	fullscreen bool
	scale      int
	noShare    bool
}

func newRDPCmd(a *app) *cobra.Command {
	var f rdpFlags
	cmd := &cobra.Command{
		Use:   "rdp",
		Short: "Open a remote-desktop session to the running guest",
		Long: `Starts a FreeRDP client against the host port bound to guest port 3389.
With --app a single guest program is shown as a local window instead of the
full desktop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := rdpOptions(cmd, a, f)
			if err != nil {
				return err
			}
			launcher := rdp.NewLauncher(rdp.Config{
				Procs:    a.procs,
				LookPath: a.lookPath,
				Logger:   a.logger,
			})
			pid, err := launcher.Launch(cmd.Context(), opts)
			if err != nil {
				return err
			}
			a.printer.Success(fmt.Sprintf("rdp session started (pid %d, port %d)", pid, opts.Port))
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.appPath, "app", "", `guest program to run alone, e.g. "C:\Windows\notepad.exe"`)
	fl.StringVar(&f.appName, "app-name", "", "window name for --app (default: program file name)")
	fl.StringVar(&f.appArgs, "app-args", "", "command line passed to --app")
	fl.BoolVar(&f.fullscreen, "fullscreen", false, "full-screen desktop session")
	fl.IntVar(&f.scale, "scale", 100, "scale factor: 100, 140 or 180")
	fl.BoolVar(&f.noShare, "no-share", false, "do not redirect the home directory")
	return cmd
}

func rdpOptions(cmd *cobra.Command, a *app, f rdpFlags) (rdp.Options, error) {
	ctx := cmd.Context()
	if status := a.engine.Status(ctx); !status.IsRunning() {
		return rdp.Options{}, fmt.Errorf("container is %s; start it first", status)
	}
	bindings, _, err := resolveBindings(ctx, a)
	if err != nil {
		return rdp.Options{}, err
	}
	port, ok := tableOf(bindings).HostPort(composespec.RDPPort)
	if !ok {
		return rdp.Options{}, errors.New("remote-desktop port is not published")
	}

	spec, err := a.engine.Specification()
	if err != nil {
		return rdp.Options{}, err
	}
	guest, err := spec.Guest()
	if err != nil {
		return rdp.Options{}, err
	}

	opts := rdp.Options{
		Port:       port,
		Username:   guest.Environment["USERNAME"],
		Password:   pick(guest.Environment["PASSWORD"], os.Getenv("GUESTVM_PASSWORD")),
		Scale:      f.scale,
		Fullscreen: f.fullscreen,
	}
	if opts.Username == "" {
		opts.Username = a.cfg.Install.Username
	}
	if f.appPath != "" {
		opts.App = &rdp.App{
			Name: pick(f.appName, appBaseName(f.appPath)),
			Path: f.appPath,
			Args: f.appArgs,
		}
	}
	if a.cfg.Install.ShareHome && !f.noShare {
		if home, err := os.UserHomeDir(); err == nil {
			opts.ShareDir = home
		}
	}
	return opts, nil
}

// appBaseName strips the directory and extension of a Windows path.
func appBaseName(p string) string {
	base := path.Base(strings.ReplaceAll(p, `\`, "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}
