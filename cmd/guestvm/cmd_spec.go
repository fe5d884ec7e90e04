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
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/composespec"
)

func newSpecCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spec",
		Short: "Inspect and restore the compose specification",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the current specification",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				spec, err := a.specs.Load()
				if err != nil {
					return err
				}
				data, err := composespec.Marshal(redactSpec(spec))
				if err != nil {
					return err
				}
				_, err = a.stdout.Write(data)
				return err
			},
		},
		&cobra.Command{
			Use:   "backups",
			Short: "List specification backups, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				backups, err := a.specs.Backups()
				if err != nil {
					return err
				}
				if len(backups) == 0 {
					a.printer.Info("no backups")
					return nil
				}
				rows := make([][]string, 0, len(backups))
				for _, b := range backups {
					rows = append(rows, []string{
						filepath.Base(b.Path),
						b.CreatedAt.Local().Format(time.DateTime),
						strconv.FormatInt(b.Size, 10),
					})
				}
				a.printer.Table([]string{"FILE", "CREATED", "BYTES"}, rows)
				return nil
			},
		},
		&cobra.Command{
			Use:   "restore <backup>",
			Short: "Make a backup the current specification",
			Long: `Restores a backup listed by "guestvm spec backups". The current file is
backed up first. Run "guestvm up" afterwards to apply it.`,
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				release, err := a.lock()
				if err != nil {
					return err
				}
				defer release()

				path := args[0]
				if filepath.Base(path) == path {
					path = filepath.Join(a.specs.Dir(), path)
				}
				if _, err := a.specs.Restore(path); err != nil {
					return err
				}
				a.printer.Success(fmt.Sprintf("restored %s", filepath.Base(path)))
				return nil
			},
		},
	)
	return cmd
}

// redactSpec masks the guest password for display.
func redactSpec(spec *composespec.Specification) *composespec.Specification {
	guest, err := spec.Guest()
	if err != nil || guest.Environment["PASSWORD"] == "" {
		return spec
	}
	return spec.WithEnvironment(map[string]string{"PASSWORD": "********"})
}
