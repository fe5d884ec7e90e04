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
Package orchestrator supervises a running guest.

# Overview

One status poller (1 s) watches the container. Entering "running" resolves
the port table and starts the dependent pollers:

	health   GET /health      -> GuestHealthy
	metrics  GET /metrics     -> Metrics        (only while healthy)
	rdp      GET /rdp/status  -> RDPConnected   (only while healthy)
	qmp      connect / query  -> QMPConnected   (experimental)

Leaving "running" stops them, closes the QMP connection, resets every flag
and invalidates the port table; Port then returns ErrPortsStale until the
next entry.

Dependent pollers no-op while a guest update is in progress.

# Port Table

Live introspection (`<runtime> port`) is authoritative. If it fails while
running, the persisted specification is analysed statically instead.
Refreshes are discarded unless the container is still running when they
complete.
*/
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/composespec"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/guestapi"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/infra/engine"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/negotiator"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/poller"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/portmap"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/qmp"
	"github.com/AleutianAI/guestvm/pkg/logging"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrPortsStale means no port table is valid: the container is not
	// running or its ports have not been resolved yet.
	ErrPortsStale = errors.New("port table is stale: guest ports are not resolved")

	// ErrNotRunning rejects operations that need a running guest.
	ErrNotRunning = errors.New("guest is not running")

	// ErrUnknownPort means the guest port is not published.
	ErrUnknownPort = errors.New("guest port is not published")

	// ErrUpdateInProgress rejects a second concurrent guest update.
	ErrUpdateInProgress = errors.New("a guest update is already in progress")
)

// =============================================================================
// Collaborators
// =============================================================================

// GuestClient is the guest HTTP surface the pollers use.
// *guestapi.Client implements it.
type GuestClient interface {
	Health(ctx context.Context) error
	Metrics(ctx context.Context) (*guestapi.Metrics, error)
	RDPStatus(ctx context.Context) (*guestapi.RDPStatus, error)
	Update(ctx context.Context, filename string, payload io.Reader) error
}

// QMPClient is the hardware-control connection. *qmp.Client implements it.
type QMPClient interface {
	Connect(ctx context.Context) error
	Connected() bool
	IsAlive(ctx context.Context) bool
	Close() error
}

// PortNegotiator runs the static fallback analysis.
type PortNegotiator interface {
	Negotiate(ctx context.Context, bindings []portmap.PortBinding, mode negotiator.Mode) (*negotiator.Result, error)
}

// Recorder receives status transitions. metrics.Metrics implements it.
type Recorder interface {
	ObserveStatusTransition(from, to string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveStatusTransition(string, string) {}

// Intervals are the poll periods.
type Intervals struct {
	Status  time.Duration
	Health  time.Duration
	Metrics time.Duration
	RDP     time.Duration
	QMP     time.Duration
}

// DefaultIntervals returns the production periods.
func DefaultIntervals() Intervals {
	return Intervals{
		Status:  time.Second,
		Health:  5 * time.Second,
		Metrics: 5 * time.Second,
		RDP:     2 * time.Second,
		QMP:     5 * time.Second,
	}
}

func (iv Intervals) withDefaults() Intervals {
	def := DefaultIntervals()
	if iv.Status <= 0 {
		iv.Status = def.Status
	}
	if iv.Health <= 0 {
		iv.Health = def.Health
	}
	if iv.Metrics <= 0 {
		iv.Metrics = def.Metrics
	}
	if iv.RDP <= 0 {
		iv.RDP = def.RDP
	}
	if iv.QMP <= 0 {
		iv.QMP = def.QMP
	}
	return iv
}

// Config wires an Orchestrator.
type Config struct {
	Adapter    engine.Adapter
	Negotiator PortNegotiator

	// GuestClients defaults to guestapi clients on 127.0.0.1.
	GuestClients func(hostPort int) (GuestClient, error)

	// QMPClients defaults to qmp clients on 127.0.0.1.
	QMPClients func(hostPort int) (QMPClient, error)

	// ExperimentalQMP enables the QMP keeper.
	ExperimentalQMP bool

	Intervals Intervals

	Logger         *logging.Logger
	Recorder       Recorder
	PollerRecorder poller.Recorder
}

// =============================================================================
// Snapshot
// =============================================================================

// PortSource says how the current table was obtained.
type PortSource string

const (
	PortsLive   PortSource = "live"
	PortsStatic PortSource = "static"

	// PortsUnavailable marks a running container whose ports could not
	// be resolved yet. PortError carries the reason.
	PortsUnavailable PortSource = "unavailable"
)

// Snapshot is a copy of everything the orchestrator observes.
type Snapshot struct {
	Status       engine.Status     `json:"status"`
	Since        time.Time         `json:"since"`
	GuestHealthy bool              `json:"guest_healthy"`
	RDPConnected bool              `json:"rdp_connected"`
	QMPConnected bool              `json:"qmp_connected"`
	Updating     bool              `json:"updating"`
	Metrics      *guestapi.Metrics `json:"metrics,omitempty"`
	Ports        negotiator.Table  `json:"ports,omitempty"`
	PortSource   PortSource        `json:"port_source,omitempty"`
	PortError    string            `json:"port_error,omitempty"`
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator is the long-lived supervisor. Construct one per process in
// the composition root.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Pollers are stopped without
// holding the state lock, so a tick that reads state never deadlocks a
// teardown.
type Orchestrator struct {
	cfg    Config
	logger *logging.Logger

	statusPoller *poller.Poller
	updating     atomic.Bool

	// lifecycle serializes enter/leave transitions.
	lifecycle sync.Mutex

	mu         sync.RWMutex
	parent     context.Context
	status     engine.Status
	since      time.Time
	table      negotiator.Table
	portSource PortSource
	portErr    error
	healthy    bool
	rdp        bool
	qmpUp      bool
	metrics    *guestapi.Metrics
	guest      GuestClient
	qmpClient  QMPClient
	dependents []*poller.Poller
}

// New validates cfg and returns a stopped Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("orchestrator: adapter is required")
	}
	if cfg.Negotiator == nil {
		return nil, errors.New("orchestrator: negotiator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	cfg.Intervals = cfg.Intervals.withDefaults()
	if cfg.GuestClients == nil {
		logger := cfg.Logger
		cfg.GuestClients = func(port int) (GuestClient, error) {
			return guestapi.New(guestapi.Config{BaseURL: guestapi.BaseURL(port), Logger: logger})
		}
	}
	if cfg.QMPClients == nil {
		logger := cfg.Logger
		cfg.QMPClients = func(port int) (QMPClient, error) {
			return qmp.New(qmp.Config{Port: port, Logger: logger})
		}
	}

	o := &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "orchestrator"),
		status: engine.StatusUnknown,
		since:  time.Now(),
		parent: context.Background(),
	}
	sp, err := poller.New(poller.Config{
		Name:      "status",
		Interval:  cfg.Intervals.Status,
		Immediate: true,
		Tick:      o.observe,
		Logger:    cfg.Logger,
		Recorder:  cfg.PollerRecorder,
	})
	if err != nil {
		return nil, err
	}
	o.statusPoller = sp
	return o, nil
}

// Start begins status polling. Dependent pollers live under ctx too.
func (o *Orchestrator) Start(ctx context.Context) {
	o.attach(ctx)
	o.statusPoller.Start(ctx)
	o.logger.Info("orchestrator started", "status_interval", o.cfg.Intervals.Status)
}

// Run starts the orchestrator and blocks until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.Start(ctx)
	<-ctx.Done()
	o.Stop()
	return nil
}

// Stop halts every poller and releases the QMP connection.
func (o *Orchestrator) Stop() {
	o.statusPoller.Stop()
	o.lifecycle.Lock()
	o.teardown()
	o.lifecycle.Unlock()
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) attach(ctx context.Context) {
	o.mu.Lock()
	o.parent = ctx
	o.mu.Unlock()
}

// Status returns the last observed status.
func (o *Orchestrator) Status() engine.Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Port returns the host port bound to a guest port.
func (o *Orchestrator) Port(guestPort int) (int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.table == nil {
		return 0, ErrPortsStale
	}
	host, ok := o.table.HostPort(guestPort)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPort, guestPort)
	}
	return host, nil
}

// Ports returns a copy of the port table.
func (o *Orchestrator) Ports() (negotiator.Table, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.table == nil {
		return nil, ErrPortsStale
	}
	return o.table.Clone(), nil
}

// Snapshot copies the observed state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := Snapshot{
		Status:       o.status,
		Since:        o.since,
		GuestHealthy: o.healthy,
		RDPConnected: o.rdp,
		QMPConnected: o.qmpUp,
		Updating:     o.updating.Load(),
		Ports:        o.table.Clone(),
		PortSource:   o.portSource,
	}
	if o.portErr != nil {
		s.PortError = o.portErr.Error()
	}
	if o.metrics != nil {
		m := *o.metrics
		s.Metrics = &m
	}
	return s
}

// =============================================================================
// Status Loop
// =============================================================================

// observe is one status tick.
func (o *Orchestrator) observe(ctx context.Context) error {
	status := o.cfg.Adapter.Status(ctx)

	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.RLock()
	prev, retry := o.status, o.portErr != nil
	o.mu.RUnlock()
	if status == prev && !retry {
		return nil
	}

	switch {
	case status == engine.StatusRunning:
		if err := o.enterRunning(ctx); err != nil {
			// Report running without ports; the next tick retries.
			err = fmt.Errorf("enter running: %w", err)
			o.mu.Lock()
			o.portSource, o.portErr = PortsUnavailable, err
			o.mu.Unlock()
			if prev != status {
				o.transition(prev, status)
			}
			return err
		}
		if prev == status {
			o.logger.Info("guest ports resolved after retry")
			return nil
		}
	case prev == engine.StatusRunning:
		o.teardown()
	}

	o.transition(prev, status)
	return nil
}

func (o *Orchestrator) transition(prev, status engine.Status) {
	o.mu.Lock()
	o.status, o.since = status, time.Now()
	o.mu.Unlock()

	o.cfg.Recorder.ObserveStatusTransition(string(prev), string(status))
	o.logger.Info("container status changed", "from", prev, "to", status)
}

func (o *Orchestrator) enterRunning(ctx context.Context) error {
	table, source, err := o.resolvePorts(ctx)
	if err != nil {
		return err
	}

	guestPort, ok := table.HostPort(composespec.GuestAPIPort)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPort, composespec.GuestAPIPort)
	}
	guest, err := o.cfg.GuestClients(guestPort)
	if err != nil {
		return err
	}

	var qmpClient QMPClient
	if o.cfg.ExperimentalQMP {
		if qmpPort, ok := table.HostPort(composespec.QMPPort); ok {
			if qmpClient, err = o.cfg.QMPClients(qmpPort); err != nil {
				return err
			}
		} else {
			o.logger.Warn("qmp enabled but port is not published", "guest_port", composespec.QMPPort)
		}
	}

	pollers, err := o.buildDependents(qmpClient != nil)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.table, o.portSource, o.portErr = table, source, nil
	o.guest, o.qmpClient = guest, qmpClient
	o.dependents = pollers
	parent := o.parent
	o.mu.Unlock()

	for _, p := range pollers {
		p.Start(parent)
	}
	o.logger.Info("guest running, pollers started",
		"ports", table, "source", source, "pollers", len(pollers))
	return nil
}

// teardown stops dependents and resets every flag. Callers hold lifecycle.
func (o *Orchestrator) teardown() {
	o.mu.Lock()
	pollers := o.dependents
	o.dependents = nil
	o.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}

	o.mu.Lock()
	qmpClient := o.qmpClient
	o.table, o.portSource, o.portErr = nil, "", nil
	o.guest, o.qmpClient = nil, nil
	o.healthy, o.rdp, o.qmpUp = false, false, false
	o.metrics = nil
	o.mu.Unlock()

	if qmpClient != nil {
		if err := qmpClient.Close(); err != nil {
			o.logger.Warn("qmp close failed", "error", err)
		}
	}
}

// =============================================================================
// Port Resolution
// =============================================================================

// resolvePorts prefers the runtime's live view and falls back to static
// analysis of the persisted specification.
func (o *Orchestrator) resolvePorts(ctx context.Context) (negotiator.Table, PortSource, error) {
	bindings, err := o.cfg.Adapter.ActivePortBindings(ctx)
	if err == nil && len(bindings) > 0 {
		table := make(negotiator.Table)
		for _, b := range bindings {
			if !b.IsSingle() {
				continue
			}
			if _, seen := table[b.ContainerPort.Start]; !seen {
				table[b.ContainerPort.Start] = b.HostPort.Start
			}
		}
		return table, PortsLive, nil
	}
	o.logger.Warn("live port introspection failed, using specification", "error", err)

	spec, specErr := o.cfg.Adapter.Specification()
	if specErr != nil {
		return nil, "", errors.Join(err, specErr)
	}
	desired, specErr := spec.PortBindings()
	if specErr != nil {
		return nil, "", specErr
	}
	res, specErr := o.cfg.Negotiator.Negotiate(ctx, desired, negotiator.ModeStatic)
	if specErr != nil {
		return nil, "", specErr
	}
	return res.Table, PortsStatic, nil
}

// RefreshPorts re-resolves the table of a running guest. The result is
// discarded if the guest stopped running meanwhile.
func (o *Orchestrator) RefreshPorts(ctx context.Context) error {
	if o.Status() != engine.StatusRunning {
		return ErrNotRunning
	}
	table, source, err := o.resolvePorts(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != engine.StatusRunning {
		o.logger.Debug("discarding port refresh, guest left running")
		return ErrNotRunning
	}
	if o.portErr != nil {
		// The status loop has not attached a guest client yet.
		return ErrPortsStale
	}
	o.table, o.portSource = table, source
	return nil
}

// =============================================================================
// Guest Update
// =============================================================================

// UpdateGuest uploads a guest agent update. Dependent pollers no-op until
// it returns.
func (o *Orchestrator) UpdateGuest(ctx context.Context, filename string, payload io.Reader) error {
	o.mu.RLock()
	guest := o.guest
	o.mu.RUnlock()
	if guest == nil {
		return ErrNotRunning
	}
	if !o.updating.CompareAndSwap(false, true) {
		return ErrUpdateInProgress
	}
	defer o.updating.Store(false)

	o.logger.Info("guest update started", "file", filename)
	if err := guest.Update(ctx, filename, payload); err != nil {
		o.logger.Error("guest update failed", "error", err)
		return err
	}
	o.logger.Info("guest update finished")
	return nil
}
