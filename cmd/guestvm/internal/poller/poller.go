// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package poller runs one function on a fixed period with at most one call in
flight.

# State Machine

	          Start              Stop / parent ctx done
	Stopped ---------> Running -------------------------> Stopped

A Poller owns a single cancel func while running. Start on a running poller
and Stop on a stopped one are no-ops, so callers never track handles
themselves.

# Tick Semantics

  - Ticks are sequential: a tick never starts before the previous one returns
  - A period that elapses while a tick is still running is skipped and
    counted, never queued
  - A tick error is logged and counted; the poller keeps going
  - A tick panic is recovered, logged and counted; the poller keeps going

Stop cancels the tick's context and waits for it to return.
*/
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/util"
	"github.com/AleutianAI/guestvm/pkg/logging"
)

// State is the lifecycle state of a Poller.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// TickFunc is one unit of polling work. It must honour ctx.
type TickFunc func(ctx context.Context) error

// Recorder receives skipped-tick events. metrics.Metrics implements it.
type Recorder interface {
	ObservePollerSkip(name string)
}

type nopRecorder struct{}

func (nopRecorder) ObservePollerSkip(string) {}

// Config configures a Poller.
type Config struct {
	// Name labels logs and metrics. Required.
	Name string

	// Interval between tick starts. Required.
	Interval time.Duration

	// Tick is the work. Required.
	Tick TickFunc

	// Immediate runs the first tick on Start instead of after one Interval.
	Immediate bool

	Logger   *logging.Logger
	Recorder Recorder
}

// Stats are cumulative counters across every run of a Poller.
type Stats struct {
	Ticks   int64
	Skipped int64
	Errors  int64
	Panics  int64
}

// Poller runs Config.Tick periodically. See the package doc.
type Poller struct {
	name      string
	interval  time.Duration
	tick      TickFunc
	immediate bool
	logger    *logging.Logger
	recorder  Recorder

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inFlight atomic.Bool
	ticks    atomic.Int64
	skipped  atomic.Int64
	errs     atomic.Int64
	panics   atomic.Int64
}

// New validates cfg and returns a stopped Poller.
func New(cfg Config) (*Poller, error) {
	if cfg.Name == "" {
		return nil, errors.New("poller: name is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("poller %s: interval must be positive", cfg.Name)
	}
	if cfg.Tick == nil {
		return nil, fmt.Errorf("poller %s: tick func is required", cfg.Name)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &Poller{
		name:      cfg.Name,
		interval:  cfg.Interval,
		tick:      cfg.Tick,
		immediate: cfg.Immediate,
		logger:    cfg.Logger.With("poller", cfg.Name),
		recorder:  cfg.Recorder,
	}, nil
}

// Name returns the poller's label.
func (p *Poller) Name() string {
	return p.name
}

// State reports whether the poller is running. A poller whose parent
// context ended reports Stopped.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return Stopped
	}
	select {
	case <-p.done:
		return Stopped
	default:
		return Running
	}
}

// Start begins ticking until Stop or until parent is done.
func (p *Poller) Start(parent context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		select {
		case <-p.done:
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	go p.loop(ctx, done)
	p.logger.Debug("poller started", "interval", p.interval)
}

// Stop cancels the poller and waits for the loop and any in-flight tick.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Debug("poller stopped")
}

// Stats returns the counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Ticks:   p.ticks.Load(),
		Skipped: p.skipped.Load(),
		Errors:  p.errs.Load(),
		Panics:  p.panics.Load(),
	}
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	var wg sync.WaitGroup
	defer close(done)
	defer wg.Wait()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if p.immediate {
		p.fire(ctx, &wg)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fire(ctx, &wg)
		}
	}
}

// fire starts one tick unless the previous one is still running.
func (p *Poller) fire(ctx context.Context, wg *sync.WaitGroup) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		p.recorder.ObservePollerSkip(p.name)
		p.logger.Debug("tick skipped, previous tick still running")
		return
	}

	wg.Add(1)
	util.SafeGo(func() {
		defer wg.Done()
		defer p.inFlight.Store(false)
		defer util.RecoverPanic(func(info util.PanicInfo) {
			p.panics.Add(1)
			p.logger.Error("tick panicked", "panic", fmt.Sprint(info.Value), "stack", info.Stack)
		})()

		p.ticks.Add(1)
		if err := p.tick(ctx); err != nil && ctx.Err() == nil {
			p.errs.Add(1)
			p.logger.Warn("tick failed", "error", err)
		}
	}, nil)
}
