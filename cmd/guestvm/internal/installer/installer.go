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
Package installer sequences a guest installation.

# Stages

	IDLE
	  -> CREATING_SPECIFICATION     negotiate ports, merge options, write spec
	  -> CREATING_AUXILIARY_ASSETS  copy the oem bundle next to the spec
	  -> STARTING_CONTAINER         compose up -d
	  -> MONITORING_PREINSTALL      poll /msg.html on the web console until 404
	  -> INSTALLING_GUEST           poll /health on the guest API until 200
	  -> COMPLETED

Any failure moves the run to INSTALL_ERROR and stops it. There is no
automatic retry; the caller runs again.

Every transition is logged and delivered to subscribers, which is the only
progress signal a UI needs.
*/
package installer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/composespec"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/guestapi"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/infra/engine"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/negotiator"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/portmap"
	"github.com/AleutianAI/guestvm/pkg/logging"
)

// =============================================================================
// Collaborators
// =============================================================================

// PortNegotiator resolves host ports. *negotiator.Negotiator implements it.
type PortNegotiator interface {
	Negotiate(ctx context.Context, bindings []portmap.PortBinding, mode negotiator.Mode) (*negotiator.Result, error)
}

// GuestClient is the part of the guest HTTP surface the installer polls.
// *guestapi.Client implements it.
type GuestClient interface {
	Health(ctx context.Context) error
	Preinstall(ctx context.Context) (guestapi.PreinstallPage, error)
}

// ClientFactory builds a GuestClient for a negotiated host port.
type ClientFactory func(hostPort int) (GuestClient, error)

// Recorder receives stage and duration metrics. metrics.Metrics implements
// it.
type Recorder interface {
	SetInstallStage(stage string)
	ObserveInstall(d time.Duration, succeeded bool)
}

type nopRecorder struct{}

func (nopRecorder) SetInstallStage(string)              {}
func (nopRecorder) ObserveInstall(time.Duration, bool) {}

// Config wires an Installer.
type Config struct {
	Adapter    engine.Adapter
	Negotiator PortNegotiator

	// AssetsDir receives the oem bundle. It must be the specification
	// file's directory joined with "oem" so the ./oem mount resolves.
	AssetsDir string

	// Assets defaults to DefaultAssets().
	Assets fs.FS

	// Clients defaults to guestapi clients on 127.0.0.1.
	Clients ClientFactory

	// SettleDelay is waited once after compose up before the first
	// preinstall poll. Zero means DefaultSettleDelay; negative disables it.
	SettleDelay time.Duration

	PreinstallInterval time.Duration
	HealthInterval     time.Duration

	// HeartbeatEvery is how many failed health checks pass between
	// "still waiting" log lines.
	HeartbeatEvery int

	Logger   *logging.Logger
	Recorder Recorder
}

// =============================================================================
// Installer
// =============================================================================

// Installer runs installations one at a time.
//
// # Thread Safety
//
// Run is exclusive: a second concurrent call returns ErrInstallInProgress.
// Current and Subscribe are safe from any goroutine.
type Installer struct {
	cfg    Config
	logger *logging.Logger

	mu        sync.Mutex
	current   *InstallationRun
	listeners map[int]func(Event)
	nextID    int
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Installer, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("installer: adapter is required")
	}
	if cfg.Negotiator == nil {
		return nil, errors.New("installer: negotiator is required")
	}
	if cfg.AssetsDir == "" {
		return nil, errors.New("installer: assets dir is required")
	}
	if cfg.Assets == nil {
		cfg.Assets = DefaultAssets()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Clients == nil {
		logger := cfg.Logger
		cfg.Clients = func(port int) (GuestClient, error) {
			return guestapi.New(guestapi.Config{BaseURL: guestapi.BaseURL(port), Logger: logger})
		}
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	} else if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.PreinstallInterval <= 0 {
		cfg.PreinstallInterval = DefaultPreinstallInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = DefaultHeartbeatEvery
	}
	return &Installer{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "installer"),
		listeners: make(map[int]func(Event)),
	}, nil
}

// Subscribe registers fn for every event until the returned func is called.
// fn runs synchronously on the installing goroutine and must not block.
func (in *Installer) Subscribe(fn func(Event)) (unsubscribe func()) {
	in.mu.Lock()
	defer in.mu.Unlock()
	id := in.nextID
	in.nextID++
	in.listeners[id] = fn
	return func() {
		in.mu.Lock()
		delete(in.listeners, id)
		in.mu.Unlock()
	}
}

// Current returns a copy of the active run, if any.
func (in *Installer) Current() (InstallationRun, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.current == nil {
		return InstallationRun{}, false
	}
	run := *in.current
	run.Ports = run.Ports.Clone()
	return run, true
}

// Run performs one installation.
//
// # Inputs
//
//   - ctx: Cancels the run at the next external call or poll.
//   - opts: Sizing, credentials, mounts.
//
// # Outputs
//
//   - *InstallationRun: Final record, in COMPLETED or INSTALL_ERROR.
//   - error: nil on COMPLETED; a *StageError otherwise, or
//     ErrInstallInProgress without a run.
func (in *Installer) Run(ctx context.Context, opts Options) (*InstallationRun, error) {
	run := &InstallationRun{ID: uuid.NewString(), State: StateIdle, StartedAt: time.Now()}

	in.mu.Lock()
	if in.current != nil {
		in.mu.Unlock()
		return nil, ErrInstallInProgress
	}
	in.current = run
	in.mu.Unlock()

	logger := in.logger.With("run_id", run.ID)
	logger.Info("installation started", "version", opts.Guest.Version)
	in.cfg.Recorder.SetInstallStage(string(StateIdle))

	err := in.execute(ctx, run, logger, opts)

	in.mu.Lock()
	run.FinishedAt = time.Now()
	in.mu.Unlock()
	in.cfg.Recorder.ObserveInstall(run.FinishedAt.Sub(run.StartedAt), err == nil)

	if err != nil {
		stage := in.state(run)
		stageErr := &StageError{Stage: stage, Err: err}
		in.fail(run, logger, stageErr)
		in.clear(run)
		return run, stageErr
	}
	logger.Info("installation completed", "duration", run.FinishedAt.Sub(run.StartedAt))
	in.clear(run)
	return run, nil
}

func (in *Installer) execute(ctx context.Context, run *InstallationRun, logger *logging.Logger, opts Options) error {
	if err := in.transition(run, logger, StateCreatingSpecification); err != nil {
		return err
	}
	if err := in.createSpecification(ctx, run, logger, opts); err != nil {
		return err
	}

	if err := in.transition(run, logger, StateCreatingAuxiliaryAssets); err != nil {
		return err
	}
	n, err := CopyAssets(in.cfg.Assets, in.cfg.AssetsDir)
	if err != nil {
		return err
	}
	logger.Info("guest assets staged", "dir", in.cfg.AssetsDir, "files", n)

	if err := in.transition(run, logger, StateStartingContainer); err != nil {
		return err
	}
	if err := in.cfg.Adapter.Apply(ctx, engine.Up); err != nil {
		return err
	}

	if err := in.transition(run, logger, StateMonitoringPreinstall); err != nil {
		return err
	}
	if err := in.monitorPreinstall(ctx, run, logger); err != nil {
		return err
	}

	if err := in.transition(run, logger, StateInstallingGuest); err != nil {
		return err
	}
	if err := in.awaitHealth(ctx, run, logger); err != nil {
		return err
	}

	return in.transition(run, logger, StateCompleted)
}

// =============================================================================
// Stages
// =============================================================================

func (in *Installer) createSpecification(ctx context.Context, run *InstallationRun, logger *logging.Logger, opts Options) error {
	spec := composespec.Default(composespec.Options{
		Image:         opts.Guest.Image,
		ContainerName: in.cfg.Adapter.ContainerName(),
	})

	bindings, err := spec.PortBindings()
	if err != nil {
		return err
	}
	result, err := in.cfg.Negotiator.Negotiate(ctx, bindings, negotiator.ModeProbe)
	if err != nil {
		return err
	}
	for _, r := range result.Remapped {
		logger.Info("host port remapped", "guest_port", r.GuestPort, "from", r.From, "to", r.To)
	}

	guest := opts.Guest
	guest.ContainerName = in.cfg.Adapter.ContainerName()
	spec = spec.
		WithPorts(result.Entries).
		WithEnvironment(map[string]string(composespec.EnvironmentFor(withDefaults(guest))))

	if opts.BootISO != "" {
		iso, err := filepath.Abs(opts.BootISO)
		if err != nil {
			return fmt.Errorf("resolve boot image: %w", err)
		}
		spec = spec.WithVolume(composespec.BootISOMount(iso))
	} else {
		spec = spec.WithoutVolumeTarget(composespec.BootISOTarget)
	}
	if opts.ShareHome && opts.HomeDir != "" {
		spec = spec.WithVolume(composespec.SharedHomeMount(opts.HomeDir))
	} else {
		spec = spec.WithoutVolumeTarget(composespec.SharedTarget)
	}

	if err := in.cfg.Adapter.WriteSpecification(spec); err != nil {
		return err
	}

	in.mu.Lock()
	run.Ports = result.Table.Clone()
	run.Remapped = result.Remapped
	in.mu.Unlock()
	return nil
}

// withDefaults fills zero fields so EnvironmentFor never renders "0G".
func withDefaults(o composespec.Options) composespec.Options {
	def := composespec.DefaultOptions()
	if o.Version == "" {
		o.Version = def.Version
	}
	if o.CPUCores <= 0 {
		o.CPUCores = def.CPUCores
	}
	if o.RAMGB <= 0 {
		o.RAMGB = def.RAMGB
	}
	if o.DiskGB <= 0 {
		o.DiskGB = def.DiskGB
	}
	if o.Username == "" {
		o.Username = def.Username
	}
	if o.Password == "" {
		o.Password = def.Password
	}
	if o.Language == "" {
		o.Language = def.Language
	}
	return o
}

// monitorPreinstall waits for the web console's progress page to turn into
// a 404. Unreachable is tolerated; any other status is fatal.
func (in *Installer) monitorPreinstall(ctx context.Context, run *InstallationRun, logger *logging.Logger) error {
	client, err := in.clientFor(run, composespec.WebConsolePort)
	if err != nil {
		return err
	}
	if err := sleep(ctx, in.cfg.SettleDelay); err != nil {
		return err
	}

	for {
		page, err := client.Preinstall(ctx)
		switch {
		case err != nil && !guestapi.IsTransient(err):
			return err
		case err != nil:
			logger.Debug("preinstall page unreachable", "error", err)
		case page.Finished():
			logger.Info("preinstall phase finished")
			return nil
		case page.StatusCode == http.StatusOK:
			if msg := ExtractProgress(page.Body); msg != "" {
				in.progress(run, msg)
			}
		default:
			return &guestapi.StatusError{
				Method:     http.MethodGet,
				Path:       guestapi.PathPreinstall,
				StatusCode: page.StatusCode,
				Body:       page.Body,
			}
		}

		if err := sleep(ctx, in.cfg.PreinstallInterval); err != nil {
			return err
		}
	}
}

// awaitHealth polls the guest API. The interval is measured from the start
// of one request to the start of the next.
func (in *Installer) awaitHealth(ctx context.Context, run *InstallationRun, logger *logging.Logger) error {
	client, err := in.clientFor(run, composespec.GuestAPIPort)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := client.Health(ctx)
		if err == nil {
			logger.Info("guest API is healthy", "attempts", attempt)
			return nil
		}
		if !retryableHealthError(err) {
			return err
		}
		if attempt%in.cfg.HeartbeatEvery == 0 {
			logger.Info("still waiting for guest setup", "attempts", attempt, "last_error", err)
			in.progress(run, fmt.Sprintf("Waiting for guest setup (%d checks)", attempt))
		}

		wait := in.cfg.HealthInterval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// retryableHealthError accepts no response at all and 5xx while the agent
// is starting. Any other status means something else is answering.
func retryableHealthError(err error) bool {
	var statusErr *guestapi.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	return guestapi.IsTransient(err)
}

func (in *Installer) clientFor(run *InstallationRun, guestPort int) (GuestClient, error) {
	in.mu.Lock()
	host, ok := run.Ports.HostPort(guestPort)
	in.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no host port negotiated for guest port %d", guestPort)
	}
	return in.cfg.Clients(host)
}

// =============================================================================
// State Bookkeeping
// =============================================================================

func (in *Installer) state(run *InstallationRun) State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return run.State
}

// transition moves run one step along stageOrder.
func (in *Installer) transition(run *InstallationRun, logger *logging.Logger, to State) error {
	in.mu.Lock()
	from := run.State
	if !nextInOrder(from, to) {
		in.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	run.State = to
	run.Message = ""
	in.mu.Unlock()

	logger.Info("installation state changed", "from", from, "to", to)
	in.cfg.Recorder.SetInstallStage(string(to))
	in.emit(Event{RunID: run.ID, From: from, To: to, At: time.Now()})
	return nil
}

func (in *Installer) fail(run *InstallationRun, logger *logging.Logger, stageErr *StageError) {
	in.mu.Lock()
	from := run.State
	run.State = StateInstallError
	run.Err = stageErr
	in.mu.Unlock()

	logger.Error("installation failed", "stage", stageErr.Stage, "error", stageErr.Err)
	in.cfg.Recorder.SetInstallStage(string(StateInstallError))
	in.emit(Event{RunID: run.ID, From: from, To: StateInstallError, At: time.Now(), Err: stageErr})
}

func (in *Installer) progress(run *InstallationRun, msg string) {
	in.mu.Lock()
	if run.Message == msg {
		in.mu.Unlock()
		return
	}
	run.Message = msg
	state := run.State
	in.mu.Unlock()

	in.logger.Info("installation progress", "run_id", run.ID, "stage", state, "message", msg)
	in.emit(Event{RunID: run.ID, From: state, To: state, Message: msg, At: time.Now()})
}

func (in *Installer) clear(run *InstallationRun) {
	in.mu.Lock()
	if in.current == run {
		in.current = nil
	}
	in.mu.Unlock()
}

func (in *Installer) emit(e Event) {
	in.mu.Lock()
	fns := make([]func(Event), 0, len(in.listeners))
	for id := 0; id < in.nextID; id++ {
		if fn, ok := in.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	in.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

func nextInOrder(from, to State) bool {
	for i := 0; i+1 < len(stageOrder); i++ {
		if stageOrder[i] == from {
			return stageOrder[i+1] == to
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
