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

	"github.com/AleutianAI/guestvm/cmd/guestvm/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and change guestvm.yaml",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file path",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := fmt.Fprintln(a.stdout, a.cfgStore.Path())
				return err
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print every key and its value",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				keys := config.Keys()
				rows := make([][2]string, 0, len(keys))
				for _, k := range keys {
					v, err := a.cfgStore.Get(k)
					if err != nil {
						return err
					}
					rows = append(rows, [2]string{k, v})
				}
				a.printer.KeyValues(rows)
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print one value, e.g. polling.health",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := a.cfgStore.Get(args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(a.stdout, v)
				return err
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Validate and store one value",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.cfgStore.Set(args[0], args[1]); err != nil {
					return err
				}
				a.printer.Success(fmt.Sprintf("%s = %s", args[0], args[1]))
				return nil
			},
		},
	)
	return cmd
}
