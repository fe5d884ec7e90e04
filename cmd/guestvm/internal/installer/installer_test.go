// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package installer

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/composespec"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/guestapi"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/infra/engine"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/negotiator"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/portmap"
)

// =============================================================================
// Test Helpers
// =============================================================================

// takenProber reports the listed ports as taken.
type takenProber map[int]bool

func (p takenProber) Available(_ context.Context, _ string, port int, _ []portmap.Protocol) (bool, error) {
	return !p[port], nil
}

// scriptedGuest replays preinstall pages and health results in order; the
// last entry repeats.
type scriptedGuest struct {
	mu         sync.Mutex
	pages      []guestapi.PreinstallPage
	pageErrs   []error
	health     []error
	preinstall int
	checks     int
}

func (g *scriptedGuest) Preinstall(context.Context) (guestapi.PreinstallPage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := min(g.preinstall, len(g.pages)-1)
	g.preinstall++
	var err error
	if i < len(g.pageErrs) {
		err = g.pageErrs[i]
	}
	return g.pages[i], err
}

func (g *scriptedGuest) Health(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := min(g.checks, len(g.health)-1)
	g.checks++
	return g.health[i]
}

type stageRecorder struct {
	mu     sync.Mutex
	stages []string
	runs   []bool
}

func (r *stageRecorder) SetInstallStage(s string) {
	r.mu.Lock()
	r.stages = append(r.stages, s)
	r.mu.Unlock()
}

func (r *stageRecorder) ObserveInstall(_ time.Duration, ok bool) {
	r.mu.Lock()
	r.runs = append(r.runs, ok)
	r.mu.Unlock()
}

var (
	done404 = guestapi.PreinstallPage{StatusCode: http.StatusNotFound}
	page200 = guestapi.PreinstallPage{StatusCode: http.StatusOK, Body: `<html><body><div id="info">Downloading Windows 11 (42%)</div></body></html>`}
)

type harness struct {
	installer *Installer
	adapter   *engine.FakeAdapter
	guest     *scriptedGuest
	ports     []int
	recorder  *stageRecorder
	assetsDir string
}

func newHarness(t *testing.T, taken takenProber, guest *scriptedGuest) *harness {
	t.Helper()
	h := &harness{
		adapter:   &engine.FakeAdapter{},
		guest:     guest,
		recorder:  &stageRecorder{},
		assetsDir: filepath.Join(t.TempDir(), OEMDirName),
	}
	var mu sync.Mutex
	inst, err := New(Config{
		Adapter:    h.adapter,
		Negotiator: negotiator.New(negotiator.Config{Prober: taken}),
		AssetsDir:  h.assetsDir,
		Assets: fstest.MapFS{
			"install.bat":       {Data: []byte("@echo off")},
			"scripts/agent.ps1": {Data: []byte("Start-Agent")},
		},
		Clients: func(port int) (GuestClient, error) {
			mu.Lock()
			h.ports = append(h.ports, port)
			mu.Unlock()
			return guest, nil
		},
		SettleDelay:        -1,
		PreinstallInterval: time.Millisecond,
		HealthInterval:     time.Millisecond,
		HeartbeatEvery:     2,
		Recorder:           h.recorder,
	})
	require.NoError(t, err)
	h.installer = inst
	return h
}

func collect(in *Installer) (*[]Event, *sync.Mutex) {
	var mu sync.Mutex
	events := &[]Event{}
	in.Subscribe(func(e Event) {
		mu.Lock()
		*events = append(*events, e)
		mu.Unlock()
	})
	return events, &mu
}

func transitions(events []Event) []State {
	var out []State
	for _, e := range events {
		if !e.Progress() {
			out = append(out, e.To)
		}
	}
	return out
}

// =============================================================================
// Tests
// =============================================================================

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Adapter: &engine.FakeAdapter{}})
	assert.Error(t, err)
	_, err = New(Config{Adapter: &engine.FakeAdapter{}, Negotiator: negotiator.New(negotiator.Config{})})
	assert.Error(t, err)
}

func TestRun_HappyPath(t *testing.T) {
	guest := &scriptedGuest{
		pages:  []guestapi.PreinstallPage{page200, page200, done404},
		health: []error{errors.New("connection refused"), nil},
	}
	h := newHarness(t, takenProber{3389: true}, guest)
	events, mu := collect(h.installer)

	run, err := h.installer.Run(context.Background(), Options{
		Guest:     composespec.Options{CPUCores: 8, RAMGB: 16, Username: "alice", Language: "German"},
		ShareHome: true,
		HomeDir:   "/home/alice",
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, run.State)
	assert.NotEmpty(t, run.ID)
	assert.False(t, run.FinishedAt.IsZero())

	mu.Lock()
	got := transitions(*events)
	var progress []string
	for _, e := range *events {
		if e.Progress() {
			progress = append(progress, e.Message)
		}
	}
	mu.Unlock()
	assert.Equal(t, []State{
		StateCreatingSpecification,
		StateCreatingAuxiliaryAssets,
		StateStartingContainer,
		StateMonitoringPreinstall,
		StateInstallingGuest,
		StateCompleted,
	}, got)
	assert.Equal(t, []string{"Downloading Windows 11 (42%)"}, progress, "repeated messages are emitted once")

	// Remote desktop moved together; everything else kept.
	host, _ := run.Ports.HostPort(3389)
	assert.Equal(t, 3390, host)
	assert.Equal(t, []negotiator.Remap{{GuestPort: 3389, From: 3389, To: 3390}}, run.Remapped)
	assert.Equal(t, []int{8006, 7148}, h.ports, "console client then API client")

	// Written specification.
	spec := h.adapter.Spec
	require.NotNil(t, spec)
	svc := spec.Services[composespec.ServiceName]
	assert.Contains(t, []string(svc.Ports), "0.0.0.0:3390:3389/tcp")
	assert.Contains(t, []string(svc.Ports), "0.0.0.0:3390:3389/udp")
	assert.Equal(t, "8", svc.Environment["CPU_CORES"])
	assert.Equal(t, "16G", svc.Environment["RAM_SIZE"])
	assert.Equal(t, "alice", svc.Environment["USERNAME"])
	assert.Equal(t, "German", svc.Environment["LANGUAGE"])
	assert.Equal(t, "64G", svc.Environment["DISK_SIZE"])
	assert.Contains(t, svc.Volumes, "/home/alice:/shared")
	assert.Equal(t, []string{"write", "apply:up"}, h.adapter.Calls())

	// Assets.
	data, err := os.ReadFile(filepath.Join(h.assetsDir, "scripts", "agent.ps1"))
	require.NoError(t, err)
	assert.Equal(t, "Start-Agent", string(data))

	// Metrics and cleanup.
	assert.Equal(t, []bool{true}, h.recorder.runs)
	assert.Equal(t, string(StateCompleted), h.recorder.stages[len(h.recorder.stages)-1])
	_, active := h.installer.Current()
	assert.False(t, active)
}

func TestRun_PreinstallNotFoundOnFirstPoll(t *testing.T) {
	guest := &scriptedGuest{pages: []guestapi.PreinstallPage{done404}, health: []error{nil}}
	h := newHarness(t, nil, guest)

	_, err := h.installer.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, guest.preinstall, "404 on first poll ends the phase at once")
}

func TestRun_PreinstallUnreachableIsTolerated(t *testing.T) {
	guest := &scriptedGuest{
		pages:    []guestapi.PreinstallPage{{}, done404},
		pageErrs: []error{errors.New("dial tcp 127.0.0.1:8006: connection refused")},
		health:   []error{nil},
	}
	h := newHarness(t, nil, guest)

	_, err := h.installer.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, guest.preinstall)
}

func TestRun_PreinstallUnexpectedStatusIsFatal(t *testing.T) {
	guest := &scriptedGuest{
		pages:  []guestapi.PreinstallPage{{StatusCode: http.StatusInternalServerError, Body: "boom"}},
		health: []error{nil},
	}
	h := newHarness(t, nil, guest)
	events, mu := collect(h.installer)

	run, err := h.installer.Run(context.Background(), Options{})
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StateMonitoringPreinstall, stageErr.Stage)
	assert.Equal(t, StateInstallError, run.State)
	assert.Zero(t, guest.checks, "no health polling after a fatal preinstall error")

	mu.Lock()
	last := (*events)[len(*events)-1]
	mu.Unlock()
	assert.Equal(t, StateInstallError, last.To)
	assert.Equal(t, StateMonitoringPreinstall, last.From)
	assert.Error(t, last.Err)
}

func TestRun_HealthHeartbeatAndServerErrors(t *testing.T) {
	unavailable := &guestapi.StatusError{Method: "GET", Path: "/health", StatusCode: 503}
	guest := &scriptedGuest{
		pages:  []guestapi.PreinstallPage{done404},
		health: []error{unavailable, errors.New("timeout"), unavailable, errors.New("timeout"), nil},
	}
	h := newHarness(t, nil, guest)
	events, mu := collect(h.installer)

	_, err := h.installer.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 5, guest.checks)

	mu.Lock()
	defer mu.Unlock()
	var heartbeats int
	for _, e := range *events {
		if e.Progress() && e.To == StateInstallingGuest {
			heartbeats++
		}
	}
	assert.Equal(t, 2, heartbeats, "one heartbeat every two failed checks")
}

func TestRun_HealthClientErrorIsFatal(t *testing.T) {
	guest := &scriptedGuest{
		pages:  []guestapi.PreinstallPage{done404},
		health: []error{&guestapi.StatusError{Method: "GET", Path: "/health", StatusCode: 404}},
	}
	h := newHarness(t, nil, guest)

	_, err := h.installer.Run(context.Background(), Options{})
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StateInstallingGuest, stageErr.Stage)
}

func TestRun_PortExhaustionFailsSpecificationStage(t *testing.T) {
	taken := takenProber{}
	for p := 3389; p <= 3489; p++ {
		taken[p] = true
	}
	h := newHarness(t, taken, &scriptedGuest{pages: []guestapi.PreinstallPage{done404}, health: []error{nil}})

	run, err := h.installer.Run(context.Background(), Options{})
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StateCreatingSpecification, stageErr.Stage)
	assert.ErrorIs(t, err, negotiator.ErrPortsExhausted)
	assert.Equal(t, StateInstallError, run.State)
	assert.Empty(t, h.adapter.Calls(), "nothing written or started")
	assert.Equal(t, []bool{false}, h.recorder.runs)
}

func TestRun_BindErrorFromRuntime(t *testing.T) {
	h := newHarness(t, nil, &scriptedGuest{pages: []guestapi.PreinstallPage{done404}, health: []error{nil}})
	h.adapter.ApplyErr = &engine.BindError{Port: 8006}

	_, err := h.installer.Run(context.Background(), Options{})
	var bindErr *engine.BindError
	require.True(t, errors.As(err, &bindErr))
	assert.Equal(t, 8006, bindErr.Port)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StateStartingContainer, stageErr.Stage)
}

func TestRun_BootISOAndNoShare(t *testing.T) {
	h := newHarness(t, nil, &scriptedGuest{pages: []guestapi.PreinstallPage{done404}, health: []error{nil}})

	_, err := h.installer.Run(context.Background(), Options{BootISO: "/isos/win11.iso"})
	require.NoError(t, err)

	svc := h.adapter.Spec.Services[composespec.ServiceName]
	assert.Contains(t, svc.Volumes, "/isos/win11.iso:/boot.iso")
	for _, v := range svc.Volumes {
		assert.NotEqual(t, composespec.SharedTarget, composespec.MountTarget(v))
	}
}

func TestRun_Exclusive(t *testing.T) {
	block := make(chan struct{})
	guest := &scriptedGuest{pages: []guestapi.PreinstallPage{done404}, health: []error{nil}}
	h := newHarness(t, nil, guest)
	h.adapter.OnApply = func(engine.Direction) { <-block }

	errc := make(chan error, 1)
	go func() {
		_, err := h.installer.Run(context.Background(), Options{})
		errc <- err
	}()

	require.Eventually(t, func() bool {
		run, ok := h.installer.Current()
		return ok && run.State == StateStartingContainer
	}, time.Second, time.Millisecond)

	_, err := h.installer.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrInstallInProgress)

	close(block)
	require.NoError(t, <-errc)
}

func TestRun_Cancelled(t *testing.T) {
	guest := &scriptedGuest{
		pages:  []guestapi.PreinstallPage{page200},
		health: []error{nil},
	}
	h := newHarness(t, nil, guest)

	ctx, cancel := context.WithCancel(context.Background())
	h.installer.Subscribe(func(e Event) {
		if e.Progress() {
			cancel()
		}
	})

	_, err := h.installer.Run(ctx, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextInOrder(t *testing.T) {
	assert.True(t, nextInOrder(StateIdle, StateCreatingSpecification))
	assert.False(t, nextInOrder(StateIdle, StateStartingContainer))
	assert.False(t, nextInOrder(StateCompleted, StateIdle))
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateInstallError.Terminal())
	assert.False(t, StateInstallingGuest.Terminal())
}

func TestExtractProgress(t *testing.T) {
	tests := []struct {
		name string
		page string
		want string
	}{
		{
			name: "info element",
			page: `<html><head><title>Windows</title><script>var x = 1;</script></head><body><h1>Setup</h1><div id="info">  Installing
				Windows... </div></body></html>`,
			want: "Installing Windows...",
		},
		{
			name: "body fallback",
			page: `<html><head><title>T</title><style>p{}</style></head><body><p>Booting</p> <p>please wait</p></body></html>`,
			want: "Booting please wait",
		},
		{
			name: "empty",
			page: "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractProgress(tt.page))
		})
	}
}

func TestDefaultAssets(t *testing.T) {
	dst := t.TempDir()
	n, err := CopyAssets(DefaultAssets(), dst)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	_, err = os.Stat(filepath.Join(dst, "install.bat"))
	assert.NoError(t, err)
}
