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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/infra/engine"
)

func newContainerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "container",
		Short: "Control the guest container",
	}
	for _, action := range []engine.Action{engine.Start, engine.Stop, engine.Pause, engine.Unpause} {
		cmd.AddCommand(newActionCmd(a, action))
	}

	var force bool
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Delete the container (the guest disk volume is kept)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			release, err := a.lock()
			if err != nil {
				return err
			}
			defer release()

			ctx := cmd.Context()
			if status := a.engine.Status(ctx); status.IsRunning() && !force {
				return fmt.Errorf("container is %s; stop it first or pass --force", status)
			}
			if err := a.engine.Remove(ctx); err != nil {
				return err
			}
			a.printer.Success("container removed")
			return nil
		},
	}
	remove.Flags().BoolVarP(&force, "force", "f", false, "remove even while running")
	cmd.AddCommand(remove)
	return cmd
}

func newActionCmd(a *app, action engine.Action) *cobra.Command {
	return &cobra.Command{
		Use:   string(action),
		Short: fmt.Sprintf("%s the container", action),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			release, err := a.lock()
			if err != nil {
				return err
			}
			defer release()

			if err := a.engine.ControlContainer(cmd.Context(), action); err != nil {
				return err
			}
			a.printer.Success(fmt.Sprintf("container %s: done", action))
			return nil
		},
	}
}

func newUpCmd(a *app) *cobra.Command {
	return newApplyCmd(a, engine.Up, "Create and start the container from the specification")
}

func newDownCmd(a *app) *cobra.Command {
	return newApplyCmd(a, engine.Down, "Stop and remove the compose project")
}

func newApplyCmd(a *app, dir engine.Direction, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(dir),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.specs.Exists() {
				return fmt.Errorf("no specification at %s; run `guestvm install` first", a.specPath())
			}
			release, err := a.lock()
			if err != nil {
				return err
			}
			defer release()

			if err := a.engine.Apply(cmd.Context(), dir); err != nil {
				return err
			}
			a.printer.Success(fmt.Sprintf("compose %s: done", dir))
			return nil
		},
	}
}
