// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct{ skips atomic.Int64 }

func (r *countingRecorder) ObservePollerSkip(string) { r.skips.Add(1) }

func mustNew(t *testing.T, cfg Config) *Poller {
	t.Helper()
	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p
}

func TestNew_Validation(t *testing.T) {
	tick := func(context.Context) error { return nil }
	_, err := New(Config{Interval: time.Second, Tick: tick})
	assert.Error(t, err)
	_, err = New(Config{Name: "x", Tick: tick})
	assert.Error(t, err)
	_, err = New(Config{Name: "x", Interval: time.Second})
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	var n atomic.Int64
	p := mustNew(t, Config{
		Name:     "health",
		Interval: 5 * time.Millisecond,
		Tick: func(context.Context) error {
			n.Add(1)
			return nil
		},
	})
	assert.Equal(t, Stopped, p.State())
	assert.Equal(t, "stopped", p.State().String())

	p.Start(context.Background())
	p.Start(context.Background())
	assert.Equal(t, Running, p.State())

	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)

	p.Stop()
	assert.Equal(t, Stopped, p.State())
	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, n.Load(), "no ticks after Stop returns")

	p.Stop()
}

func TestRestartAfterStop(t *testing.T) {
	var n atomic.Int64
	p := mustNew(t, Config{
		Name:      "metrics",
		Interval:  time.Hour,
		Immediate: true,
		Tick: func(context.Context) error {
			n.Add(1)
			return nil
		},
	})

	p.Start(context.Background())
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)
	p.Stop()

	p.Start(context.Background())
	require.Eventually(t, func() bool { return n.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, Running, p.State())
}

func TestOverlappingTicksAreSkipped(t *testing.T) {
	release := make(chan struct{})
	var concurrent, maxConcurrent atomic.Int64
	rec := &countingRecorder{}

	p := mustNew(t, Config{
		Name:      "rdp",
		Interval:  2 * time.Millisecond,
		Immediate: true,
		Recorder:  rec,
		Tick: func(ctx context.Context) error {
			c := concurrent.Add(1)
			defer concurrent.Add(-1)
			if c > maxConcurrent.Load() {
				maxConcurrent.Store(c)
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	})

	p.Start(context.Background())
	require.Eventually(t, func() bool { return p.Stats().Skipped >= 3 }, time.Second, time.Millisecond)
	close(release)
	p.Stop()

	assert.Equal(t, int64(1), maxConcurrent.Load())
	assert.Equal(t, p.Stats().Skipped, rec.skips.Load())
}

func TestStopCancelsInFlightTick(t *testing.T) {
	entered := make(chan struct{})
	var sawCancel atomic.Bool
	p := mustNew(t, Config{
		Name:      "qmp",
		Interval:  time.Hour,
		Immediate: true,
		Tick: func(ctx context.Context) error {
			close(entered)
			<-ctx.Done()
			sawCancel.Store(true)
			return ctx.Err()
		},
	})

	p.Start(context.Background())
	<-entered
	p.Stop()
	assert.True(t, sawCancel.Load(), "Stop waits for the tick to observe cancellation")
	assert.Zero(t, p.Stats().Errors, "errors after cancellation are not counted")
}

func TestErrorsAndPanicsDoNotStopPolling(t *testing.T) {
	var n atomic.Int64
	p := mustNew(t, Config{
		Name:     "flaky",
		Interval: 2 * time.Millisecond,
		Tick: func(context.Context) error {
			switch n.Add(1) {
			case 1:
				return errors.New("connection refused")
			case 2:
				panic("nil map")
			}
			return nil
		},
	})

	p.Start(context.Background())
	require.Eventually(t, func() bool { return n.Load() >= 4 }, time.Second, time.Millisecond)
	p.Stop()

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(1), stats.Panics)
	assert.GreaterOrEqual(t, stats.Ticks, int64(4))
}

func TestParentCancellationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := mustNew(t, Config{
		Name:     "status",
		Interval: time.Millisecond,
		Tick:     func(context.Context) error { return nil },
	})

	p.Start(ctx)
	cancel()
	require.Eventually(t, func() bool { return p.State() == Stopped }, time.Second, time.Millisecond)
}
