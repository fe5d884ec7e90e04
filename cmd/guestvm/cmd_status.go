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
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/composespec"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/guestapi"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/negotiator"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/portmap"
)

// healthTimeout bounds the one-shot guest probe of `status`.
const healthTimeout = 2 * time.Second

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the container state and guest health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			status := a.engine.Status(ctx)
			rows := [][2]string{
				{"runtime", string(a.engine.Kind())},
				{"container", a.engine.ContainerName()},
				{"status", a.printer.Badge(string(status), status.IsRunning())},
			}
			if !status.IsRunning() {
				a.printer.KeyValues(rows)
				return nil
			}

			bindings, source, err := resolveBindings(ctx, a)
			if err != nil {
				a.printer.KeyValues(rows)
				return err
			}
			table := tableOf(bindings)
			guest := "unreachable"
			if port, ok := table.HostPort(composespec.GuestAPIPort); ok {
				if err := probeGuest(ctx, a, port); err == nil {
					guest = "healthy"
				} else {
					a.logger.Debug("guest probe failed", "error", err)
				}
			}
			rows = append(rows,
				[2]string{"guest", guest},
				[2]string{"ports", source},
			)
			if port, ok := table.HostPort(composespec.WebConsolePort); ok {
				rows = append(rows, [2]string{"console", fmt.Sprintf("http://127.0.0.1:%d", port)})
			}
			a.printer.KeyValues(rows)
			return nil
		},
	}
}

func probeGuest(ctx context.Context, a *app, hostPort int) error {
	client, err := guestapi.New(guestapi.Config{
		BaseURL: guestapi.BaseURL(hostPort),
		Timeout: healthTimeout,
		Logger:  a.logger,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return client.Health(ctx)
}

func newPortsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ports [guest-port]",
		Short: "List host ports bound to guest ports",
		Long: `Lists the published ports. A running container is asked directly;
otherwise the stored specification is read as written.

With a guest port argument only the matching host port is printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bindings, source, err := resolveBindings(cmd.Context(), a)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				guest, err := parseGuestPort(args[0])
				if err != nil {
					return err
				}
				host, ok := tableOf(bindings).HostPort(guest)
				if !ok {
					return fmt.Errorf("guest port %d is not published", guest)
				}
				fmt.Fprintln(a.stdout, host)
				return nil
			}
			rows := make([][]string, 0, len(bindings))
			for _, b := range bindings {
				rows = append(rows, []string{
					b.ContainerPort.String(),
					b.HostPort.String(),
					string(b.Protocol),
					b.HostAddress,
				})
			}
			a.printer.Info("source: " + source)
			a.printer.Table([]string{"GUEST", "HOST", "PROTO", "ADDRESS"}, rows)
			return nil
		},
	}
}

// resolveBindings prefers the runtime's view of a running container and
// falls back to a static read of the specification.
func resolveBindings(ctx context.Context, a *app) ([]portmap.PortBinding, string, error) {
	var liveErr error
	if a.engine.Status(ctx).IsRunning() {
		live, err := a.engine.ActivePortBindings(ctx)
		if err == nil && len(live) > 0 {
			sortBindings(live)
			return live, "live", nil
		}
		liveErr = err
		a.logger.Warn("live port introspection failed, using specification", "error", err)
	}

	spec, err := a.engine.Specification()
	if err != nil {
		if errors.Is(err, composespec.ErrNotFound) {
			return nil, "", fmt.Errorf("no specification at %s; run `guestvm install` first", a.specPath())
		}
		return nil, "", errors.Join(liveErr, err)
	}
	desired, err := spec.PortBindings()
	if err != nil {
		return nil, "", err
	}
	res, err := a.ports.Negotiate(ctx, desired, negotiator.ModeStatic)
	if err != nil {
		return nil, "", err
	}
	return res.Bindings, "static", nil
}

func sortBindings(bs []portmap.PortBinding) {
	sort.SliceStable(bs, func(i, j int) bool {
		if bs[i].ContainerPort.Start != bs[j].ContainerPort.Start {
			return bs[i].ContainerPort.Start < bs[j].ContainerPort.Start
		}
		return bs[i].Protocol < bs[j].Protocol
	})
}

// tableOf keeps the first host port seen per single guest port.
func tableOf(bindings []portmap.PortBinding) negotiator.Table {
	table := make(negotiator.Table)
	for _, b := range bindings {
		if !b.IsSingle() {
			continue
		}
		if _, seen := table[b.ContainerPort.Start]; !seen {
			table[b.ContainerPort.Start] = b.HostPort.Start
		}
	}
	return table
}

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that the container runtime can run the guest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caps := a.engine.ProbeCapabilities(cmd.Context())
			p := a.printer
			p.Title("Runtime capabilities")
			p.KeyValues([][2]string{
				{"runtime", string(caps.Runtime)},
				{"installed", yesNo(caps.Installed, caps.Version)},
				{"compose", yesNo(caps.ComposeInstalled, caps.ComposeVersion)},
				{"compose supported", yesNo(caps.ComposeSupported, "")},
				{"service running", yesNo(caps.Running, "")},
				{"authorized", yesNo(caps.Authorized, "")},
			})
			if caps.Ready() {
				p.Success(string(caps.Runtime) + " is ready")
				return nil
			}
			for _, problem := range caps.Problems() {
				p.Error(problem)
			}
			return errNotReady
		},
	}
}

func yesNo(ok bool, detail string) string {
	s := "no"
	if ok {
		s = "yes"
	}
	if detail != "" {
		s += " (" + detail + ")"
	}
	return s
}

// parseGuestPort accepts a guest port number.
func parseGuestPort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid guest port %q", s)
	}
	return port, nil
}
