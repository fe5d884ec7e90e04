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
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/composespec"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/negotiator"
)

// State is one stage of an installation run.
type State string

const (
	StateIdle                    State = "IDLE"
	StateCreatingSpecification   State = "CREATING_SPECIFICATION"
	StateCreatingAuxiliaryAssets State = "CREATING_AUXILIARY_ASSETS"
	StateStartingContainer       State = "STARTING_CONTAINER"
	StateMonitoringPreinstall    State = "MONITORING_PREINSTALL"
	StateInstallingGuest         State = "INSTALLING_GUEST"
	StateCompleted               State = "COMPLETED"
	StateInstallError            State = "INSTALL_ERROR"
)

// stageOrder is the only forward path. StateInstallError is reachable from
// any of these.
var stageOrder = []State{
	StateIdle,
	StateCreatingSpecification,
	StateCreatingAuxiliaryAssets,
	StateStartingContainer,
	StateMonitoringPreinstall,
	StateInstallingGuest,
	StateCompleted,
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateInstallError
}

// Default timings.
const (
	DefaultSettleDelay        = 10 * time.Second
	DefaultPreinstallInterval = 500 * time.Millisecond
	DefaultHealthInterval     = 5 * time.Second
	DefaultHeartbeatEvery     = 12
)

// Sentinel errors.
var (
	// ErrInstallInProgress is returned by Run while another run is active.
	ErrInstallInProgress = errors.New("an installation is already in progress")

	// ErrIllegalTransition guards the linear stage order.
	ErrIllegalTransition = errors.New("illegal installation state transition")
)

// StageError is the failure that moved a run to INSTALL_ERROR.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("install failed during %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Options are the user's choices for one installation.
type Options struct {
	// Guest sizing, credentials and locale. Zero fields use composespec
	// defaults.
	Guest composespec.Options

	// BootISO mounts a custom installer image when non-empty.
	BootISO string

	// ShareHome mounts HomeDir into the guest.
	ShareHome bool
	HomeDir   string
}

// InstallationRun is the transient record of one run. It is never
// persisted.
type InstallationRun struct {
	ID         string
	State      State
	Message    string
	Ports      negotiator.Table
	Remapped   []negotiator.Remap
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// Event is a state-change notification. Progress updates within a stage
// are delivered with From == To.
type Event struct {
	RunID   string
	From    State
	To      State
	Message string
	At      time.Time
	Err     error
}

// Progress reports whether e is a progress message rather than a
// transition.
func (e Event) Progress() bool {
	return e.From == e.To
}
