// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/guestapi"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/poller"
)

func (o *Orchestrator) buildDependents(withQMP bool) ([]*poller.Poller, error) {
	iv := o.cfg.Intervals
	specs := []poller.Config{
		{Name: "health", Interval: iv.Health, Tick: o.pollHealth, Immediate: true},
		{Name: "metrics", Interval: iv.Metrics, Tick: o.pollMetrics},
		{Name: "rdp", Interval: iv.RDP, Tick: o.pollRDP},
	}
	if withQMP {
		specs = append(specs, poller.Config{Name: "qmp", Interval: iv.QMP, Tick: o.pollQMP, Immediate: true})
	}

	out := make([]*poller.Poller, 0, len(specs))
	for _, cfg := range specs {
		cfg.Logger = o.cfg.Logger
		cfg.Recorder = o.cfg.PollerRecorder
		p, err := poller.New(cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// guestClient returns the current client, or nil when ticks should no-op.
func (o *Orchestrator) guestClient(needHealthy bool) GuestClient {
	if o.updating.Load() {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if needHealthy && !o.healthy {
		return nil
	}
	return o.guest
}

func (o *Orchestrator) pollHealth(ctx context.Context) error {
	guest := o.guestClient(false)
	if guest == nil {
		return nil
	}
	err := guest.Health(ctx)
	healthy := err == nil

	o.mu.Lock()
	changed := o.healthy != healthy
	if o.guest == guest {
		o.healthy = healthy
		if !healthy {
			o.rdp, o.metrics = false, nil
		}
	}
	o.mu.Unlock()

	if changed {
		o.logger.Info("guest health changed", "healthy", healthy, "error", err)
	}
	if err != nil && !guestapi.IsTransient(err) {
		return err
	}
	return nil
}

func (o *Orchestrator) pollMetrics(ctx context.Context) error {
	guest := o.guestClient(true)
	if guest == nil {
		return nil
	}
	m, err := guest.Metrics(ctx)
	o.mu.Lock()
	if o.guest == guest {
		o.metrics = m
		if err != nil {
			o.metrics = nil
		}
	}
	o.mu.Unlock()
	return err
}

func (o *Orchestrator) pollRDP(ctx context.Context) error {
	guest := o.guestClient(true)
	if guest == nil {
		return nil
	}
	st, err := guest.RDPStatus(ctx)
	connected := err == nil && st.RDPConnected
	o.mu.Lock()
	changed := o.guest == guest && o.rdp != connected
	if o.guest == guest {
		o.rdp = connected
	}
	o.mu.Unlock()
	if changed {
		o.logger.Info("rdp session changed", "connected", connected, "error", err)
	}
	return err
}

// pollQMP keeps the monitor connection open and drops it when the
// emulator stops answering.
func (o *Orchestrator) pollQMP(ctx context.Context) error {
	if o.updating.Load() {
		return nil
	}
	o.mu.RLock()
	client := o.qmpClient
	o.mu.RUnlock()
	if client == nil {
		return nil
	}

	up := false
	switch {
	case !client.Connected():
		if err := client.Connect(ctx); err != nil {
			o.logger.Debug("qmp connect failed", "error", err)
		} else {
			up = true
		}
	case client.IsAlive(ctx):
		up = true
	default:
		o.logger.Warn("qmp stopped responding, reconnecting on next tick")
		_ = client.Close()
	}

	o.mu.Lock()
	if o.qmpClient == client {
		o.qmpUp = up
	}
	o.mu.Unlock()
	return nil
}
