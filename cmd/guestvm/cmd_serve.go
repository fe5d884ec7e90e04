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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/guestvm/cmd/guestvm/config"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/orchestrator"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/statusapi"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Supervise the guest and serve the local status API",
		Long: `Runs the status, health, metrics and remote-desktop pollers and serves
GET /status, /ports, /capabilities and /metrics on a loopback address until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Serve.Addr
			}
			orch, srv, err := buildServer(a, addr)
			if err != nil {
				return err
			}
			a.printer.Success("serving on http://" + srv.Addr())
			return runServer(cmd.Context(), a, orch, srv)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func intervalsOf(p config.PollingConfig) orchestrator.Intervals {
	return orchestrator.Intervals{
		Status:  p.Status,
		Health:  p.Health,
		Metrics: p.Metrics,
		RDP:     p.RDP,
		QMP:     p.QMP,
	}
}

func buildServer(a *app, addr string) (*orchestrator.Orchestrator, *statusapi.Server, error) {
	orch, err := orchestrator.New(orchestrator.Config{
		Adapter:         a.engine,
		Negotiator:      a.ports,
		ExperimentalQMP: a.cfg.Experimental.QMP,
		Intervals:       intervalsOf(a.cfg.Polling),
		Logger:          a.logger,
		Recorder:        a.metrics,
		PollerRecorder:  a.metrics,
	})
	if err != nil {
		return nil, nil, err
	}
	srv, err := statusapi.New(statusapi.Config{
		Addr:         addr,
		Orchestrator: orch,
		Adapter:      a.engine,
		Metrics:      a.metrics.Handler(),
		Logger:       a.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return orch, srv, nil
}

// runServer blocks until ctx is done or the listener fails.
func runServer(ctx context.Context, a *app, orch *orchestrator.Orchestrator, srv *statusapi.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	g.Go(func() error {
		return a.cfgStore.Watch(gctx, func(next config.GuestVMConfig) {
			if next.Polling != a.cfg.Polling || next.Experimental != a.cfg.Experimental {
				a.logger.Warn("poll settings changed; restart serve to apply them")
				a.printer.Warning("config changed; restart serve to apply poll settings")
				return
			}
			a.logger.Info("config reloaded", "path", a.cfgStore.Path())
		})
	})
	return g.Wait()
}
