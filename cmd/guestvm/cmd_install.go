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
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/composespec"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/installer"
)

type installFlags struct {
	version   string
	cpus      int
	ramGB     int
	diskGB    int
	username  string
	password  string
	lang      string
	iso       string
	shareHome bool
	noShare   bool
}

func newInstallCmd(a *app) *cobra.Command {
	var f installFlags
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Create the specification and install the guest",
		Long: `Negotiates host ports, writes the compose specification, starts the
container and follows the guest installation until its API answers.

Defaults come from the install section of guestvm.yaml. The password is
never stored in the config; pass --password or set GUESTVM_PASSWORD.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, a, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.version, "version", "", "Windows version tag (default from config)")
	fl.IntVar(&f.cpus, "cpus", 0, "CPU cores (default from config)")
	fl.IntVar(&f.ramGB, "ram", 0, "RAM in GB (default from config)")
	fl.IntVar(&f.diskGB, "disk", 0, "disk size in GB (default from config)")
	fl.StringVar(&f.username, "username", "", "guest username (default from config)")
	fl.StringVar(&f.password, "password", "", "guest password (default: $GUESTVM_PASSWORD or the image default)")
	fl.StringVar(&f.lang, "lang", "", "guest language (default from config)")
	fl.StringVar(&f.iso, "iso", "", "custom installer ISO to mount")
	fl.BoolVar(&f.shareHome, "share-home", false, "share the home directory with the guest")
	fl.BoolVar(&f.noShare, "no-share-home", false, "do not share the home directory")
	cmd.MarkFlagsMutuallyExclusive("share-home", "no-share-home")
	return cmd
}

// installOptions merges flags over the configured defaults.
func installOptions(a *app, f installFlags) (installer.Options, error) {
	def := a.cfg.Install
	opts := installer.Options{
		Guest: composespec.Options{
			ContainerName: a.cfg.ContainerName,
			Version:       pick(f.version, def.Version),
			CPUCores:      pickInt(f.cpus, def.CPUCores),
			RAMGB:         pickInt(f.ramGB, def.RAMGB),
			DiskGB:        pickInt(f.diskGB, def.DiskGB),
			Username:      pick(f.username, def.Username),
			Password:      pick(f.password, os.Getenv("GUESTVM_PASSWORD")),
			Language:      pick(f.lang, def.Locale),
		},
		BootISO:   pick(f.iso, def.ISOPath),
		ShareHome: def.ShareHome,
	}
	switch {
	case f.shareHome:
		opts.ShareHome = true
	case f.noShare:
		opts.ShareHome = false
	}

	if f.cpus < 0 || f.ramGB < 0 || f.diskGB < 0 {
		return opts, errors.New("--cpus, --ram and --disk must be positive")
	}
	if opts.Guest.DiskGB < 32 {
		return opts, fmt.Errorf("--disk %d is below the 32 GB minimum", opts.Guest.DiskGB)
	}
	if opts.BootISO != "" {
		abs, err := filepath.Abs(opts.BootISO)
		if err != nil {
			return opts, err
		}
		if _, err := os.Stat(abs); err != nil {
			return opts, fmt.Errorf("--iso: %w", err)
		}
		opts.BootISO = abs
	}
	if opts.ShareHome {
		home, err := os.UserHomeDir()
		if err != nil {
			return opts, fmt.Errorf("share home: %w", err)
		}
		opts.HomeDir = home
	}
	return opts, nil
}

func pick(v, def string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func pickInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func runInstall(cmd *cobra.Command, a *app, f installFlags) error {
	opts, err := installOptions(a, f)
	if err != nil {
		return err
	}
	release, err := a.lock()
	if err != nil {
		return err
	}
	defer release()

	inst, err := installer.New(installer.Config{
		Adapter:        a.engine,
		Negotiator:     a.ports,
		AssetsDir:      filepath.Join(a.specs.Dir(), installer.OEMDirName),
		HealthInterval: a.cfg.Polling.Health,
		Logger:         a.logger,
		Recorder:       a.metrics,
	})
	if err != nil {
		return err
	}

	p := a.printer
	p.Title("Installing guest")
	unsubscribe := inst.Subscribe(func(e installer.Event) {
		switch {
		case e.Progress():
			p.Info(e.Message)
		case e.To == installer.StateInstallError:
			// Reported by the caller.
		default:
			p.Step(e.To == installer.StateCompleted, string(e.To))
		}
	})
	defer unsubscribe()

	run, err := inst.Run(cmd.Context(), opts)
	if run != nil {
		for _, r := range run.Remapped {
			p.Box("Port remapped",
				fmt.Sprintf("guest %d: host %d was in use, using %d", r.GuestPort, r.From, r.To))
		}
	}
	if err != nil {
		return err
	}
	p.Success(fmt.Sprintf("guest installed in %s", run.FinishedAt.Sub(run.StartedAt).Round(time.Second)))
	if port, ok := run.Ports.HostPort(composespec.WebConsolePort); ok {
		p.Info(fmt.Sprintf("web console: http://127.0.0.1:%d", port))
	}
	return nil
}
