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
Package engine adapts the container runtimes that can host the guest VM.

# Overview

Adapter is one capability set implemented per runtime. Docker and Podman
are the two variants today; both drive the runtime CLI through
process.Manager and differ only in command spelling, status vocabulary and
authorization rules.

	adapter, err := engine.New(engine.Docker, engine.Config{
	    ContainerName: "GuestVM",
	    Store:         store,
	    Process:       process.NewExecManager(),
	    Logger:        logger,
	})
	if err != nil {
	    return err
	}
	if err := adapter.Apply(ctx, engine.Up); err != nil {
	    var bindErr *engine.BindError
	    if errors.As(err, &bindErr) {
	        // another process took the port after negotiation
	    }
	    return err
	}

# Adding a Runtime

Add a variant built on cliAdapter and one entry in the registry map. Call
sites only see Adapter.

# Failure Semantics

  - ProbeCapabilities never fails; a missing tool is a false flag
  - Status never fails; errors and unknown vocabulary map to StatusUnknown
  - Everything else returns *CommandError (or *BindError) on a non-zero exit
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/composespec"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/infra/process"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/portmap"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/util"
	"github.com/AleutianAI/guestvm/pkg/logging"
)

// =============================================================================
// Enumerations
// =============================================================================

// Kind identifies a container runtime.
type Kind string

const (
	Docker Kind = "docker"
	Podman Kind = "podman"
)

// ParseKind validates a runtime name from configuration or flags.
func ParseKind(name string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := registry[kind]; !ok {
		return "", fmt.Errorf("%w: %q (supported: %s)", ErrUnknownRuntime, name, strings.Join(kindNames(), ", "))
	}
	return kind, nil
}

// Status is the normalized container state.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusExited  Status = "exited"
	StatusUnknown Status = "unknown"
)

// Direction selects compose up or down.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Action is a single-container lifecycle action.
type Action string

const (
	Start   Action = "start"
	Stop    Action = "stop"
	Pause   Action = "pause"
	Unpause Action = "unpause"
)

// ParseAction validates an action name.
func ParseAction(name string) (Action, error) {
	switch a := Action(name); a {
	case Start, Stop, Pause, Unpause:
		return a, nil
	}
	return "", fmt.Errorf("unknown container action %q", name)
}

// =============================================================================
// Capabilities
// =============================================================================

// Capabilities is the result of one probe. It is never cached: the user may
// install the runtime or join its group between two probes.
type Capabilities struct {
	Runtime          Kind      `json:"runtime"`
	Installed        bool      `json:"installed"`
	Version          string    `json:"version,omitempty"`
	ComposeInstalled bool      `json:"compose_installed"`
	ComposeVersion   string    `json:"compose_version,omitempty"`
	ComposeSupported bool      `json:"compose_supported"`
	Running          bool      `json:"running"`
	Authorized       bool      `json:"authorized"`
	CheckedAt        time.Time `json:"checked_at"`
}

// Ready reports whether every check passed.
func (c Capabilities) Ready() bool {
	return c.Installed && c.ComposeInstalled && c.ComposeSupported && c.Running && c.Authorized
}

// Problems lists failed checks in a user-facing form.
func (c Capabilities) Problems() []string {
	var out []string
	if !c.Installed {
		out = append(out, fmt.Sprintf("%s is not installed", c.Runtime))
	}
	if !c.ComposeInstalled {
		out = append(out, "compose plugin is not installed")
	} else if !c.ComposeSupported {
		out = append(out, fmt.Sprintf("compose %s is too old", c.ComposeVersion))
	}
	if c.Installed && !c.Running {
		out = append(out, fmt.Sprintf("%s service is not reachable", c.Runtime))
	}
	if !c.Authorized {
		out = append(out, fmt.Sprintf("current user may not use %s", c.Runtime))
	}
	return out
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnknownRuntime is returned for a Kind with no registered adapter.
	ErrUnknownRuntime = errors.New("unknown container runtime")

	// ErrNoSpecification means Apply was called before a specification was
	// written.
	ErrNoSpecification = errors.New("no specification written")
)

// CommandError is a runtime invocation that exited non-zero.
type CommandError struct {
	Runtime  Kind
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: %s exited with code %d", e.Runtime, e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: %s exited with code %d: %s", e.Runtime, e.Command, e.ExitCode, msg)
}

// BindError means the runtime refused to start the container because a host
// port was taken after negotiation. It is distinct from a negotiation
// failure: re-running the install negotiates again.
type BindError struct {
	Port  int
	Cause *CommandError
}

func (e *BindError) Error() string {
	if e.Port > 0 {
		return fmt.Sprintf("runtime refused to start: host port %d is already in use", e.Port)
	}
	return "runtime refused to start: a host port is already in use"
}

func (e *BindError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// =============================================================================
// Adapter Interface
// =============================================================================

// Adapter is the capability set of one container runtime.
type Adapter interface {
	// Kind returns the runtime identifier.
	Kind() Kind

	// ContainerName returns the managed container's name.
	ContainerName() string

	// ProbeCapabilities checks installation, compose, service and
	// authorization concurrently. Never fails.
	ProbeCapabilities(ctx context.Context) Capabilities

	// WriteSpecification validates, backs up and atomically replaces the
	// specification file.
	WriteSpecification(spec *composespec.Specification) error

	// Specification loads the persisted specification.
	Specification() (*composespec.Specification, error)

	// Apply runs compose up (detached) or down.
	Apply(ctx context.Context, dir Direction) error

	// ControlContainer starts, stops, pauses or unpauses the container.
	ControlContainer(ctx context.Context, action Action) error

	// Status returns the normalized state. Never fails.
	Status(ctx context.Context) Status

	// Exists reports whether the container exists in any state.
	Exists(ctx context.Context) (bool, error)

	// Remove deletes the container.
	Remove(ctx context.Context) error

	// ActivePortBindings asks the runtime which ports the container holds.
	// Only meaningful while running.
	ActivePortBindings(ctx context.Context) ([]portmap.PortBinding, error)
}

// Recorder receives command outcomes. metrics.Metrics implements it.
type Recorder interface {
	ObserveCommand(runtime, verb string, d time.Duration, failed bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCommand(string, string, time.Duration, bool) {}

// =============================================================================
// Configuration and Registry
// =============================================================================

// Config carries the dependencies shared by every variant.
type Config struct {
	// ContainerName is the container_name of the guest service.
	ContainerName string

	// Store persists the specification. Required.
	Store *composespec.Store

	// Process runs the CLI. Default: process.NewExecManager().
	Process process.Manager

	// Logger receives command logs. Default: discard.
	Logger *logging.Logger

	// Recorder receives command metrics. Default: no-op.
	Recorder Recorder

	// Timeouts bound each CLI call.
	Timeouts util.Timeouts

	// Authorized overrides the variant's authorization check. Used by tests.
	Authorized func() bool
}

type constructor func(Config) Adapter

// registry is the closed set of supported runtimes.
var registry = map[Kind]constructor{
	Docker: func(cfg Config) Adapter { return NewDocker(cfg) },
	Podman: func(cfg Config) Adapter { return NewPodman(cfg) },
}

// New returns the adapter registered for kind.
func New(kind Kind, cfg Config) (Adapter, error) {
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuntime, kind)
	}
	if cfg.Store == nil {
		return nil, errors.New("engine config: store is required")
	}
	return ctor(cfg), nil
}

// Kinds lists the registered runtimes.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func kindNames() []string {
	kinds := Kinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
