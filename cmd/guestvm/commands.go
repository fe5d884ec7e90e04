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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/infra/engine"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/infra/process"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/negotiator"
)

// errNotReady is returned by `check` when a capability is missing.
var errNotReady = errors.New("container runtime is not ready")

// Exit codes.
const (
	exitFailure    = 1
	exitNotReady   = 2
	exitLockHeld   = 3
	exitPortsInUse = 4
)

func exitCode(err error) int {
	var held *process.ErrLockHeld
	var bind *engine.BindError
	switch {
	case errors.Is(err, errNotReady):
		return exitNotReady
	case errors.As(err, &held):
		return exitLockHeld
	case errors.Is(err, negotiator.ErrPortsExhausted), errors.As(err, &bind):
		return exitPortsInUse
	default:
		return exitFailure
	}
}

// newRootCmd builds the command tree around a.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "guestvm",
		Short: "Install and run a Windows guest in a container",
		Long: `guestvm installs a Windows guest inside a Docker or Podman container,
negotiates host ports for its services, and supervises it while it runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", a.configPath, "path to guestvm.yaml")
	flags.StringVarP(&a.outputMode, "output", "o", a.outputMode, "output mode: rich, plain or machine (default: detect)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(
		newInstallCmd(a),
		newStatusCmd(a),
		newPortsCmd(a),
		newCheckCmd(a),
		newContainerCmd(a),
		newUpCmd(a),
		newDownCmd(a),
		newServeCmd(a),
		newSpecCmd(a),
		newRDPCmd(a),
		newConfigCmd(a),
	)
	return root
}
