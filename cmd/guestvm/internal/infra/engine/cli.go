// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/composespec"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/infra/process"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/portmap"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/util"
	"github.com/AleutianAI/guestvm/pkg/logging"
)

// statusTemplate is the Go template both runtimes accept for inspect.
const statusTemplate = "{{.State.Status}}"

// dialect is what differs between runtimes.
type dialect struct {
	kind   Kind
	binary string

	// compose is the compose executable plus any leading subcommand.
	compose []string

	// composeVersion are the args appended to compose to print its version.
	composeVersion []string

	// minComposeMajor is the oldest supported compose major, e.g. "v2".
	minComposeMajor string

	statuses   map[string]Status
	authorized func() bool
}

// cliAdapter implements Adapter on top of a runtime CLI.
//
// # Description
//
// Mutating calls (compose, lifecycle, rm) are serialized with a mutex so two
// goroutines never issue overlapping lifecycle commands. Read-only calls
// (inspect, ps, port) run unlocked so the status loop never waits behind a
// slow compose up.
type cliAdapter struct {
	dialect
	containerName string
	store         *composespec.Store
	proc          process.Manager
	logger        *logging.Logger
	recorder      Recorder
	timeouts      util.Timeouts
	mu            sync.Mutex
}

func newCLIAdapter(d dialect, cfg Config) *cliAdapter {
	if cfg.ContainerName == "" {
		cfg.ContainerName = composespec.DefaultContainerName
	}
	if cfg.Process == nil {
		cfg.Process = process.NewExecManager()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Authorized != nil {
		d.authorized = cfg.Authorized
	}
	return &cliAdapter{
		dialect:       d,
		containerName: cfg.ContainerName,
		store:         cfg.Store,
		proc:          cfg.Process,
		logger:        cfg.Logger.With("runtime", string(d.kind)),
		recorder:      cfg.Recorder,
		timeouts:      cfg.Timeouts.Validated(),
	}
}

// Kind returns the runtime identifier.
func (a *cliAdapter) Kind() Kind { return a.kind }

// ContainerName returns the managed container's name.
func (a *cliAdapter) ContainerName() string { return a.containerName }

// =============================================================================
// Capability Probe
// =============================================================================

var versionPattern = regexp.MustCompile(`v?(\d+)\.(\d+)(?:\.(\d+))?`)

// ProbeCapabilities runs every check in parallel; each one degrades to
// false on its own.
func (a *cliAdapter) ProbeCapabilities(ctx context.Context) Capabilities {
	caps := Capabilities{Runtime: a.kind, CheckedAt: time.Now()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := a.run(gctx, "probe", a.binary, "--version")
		if err == nil && res.Success() {
			caps.Installed = true
			caps.Version = extractVersion(res.Stdout)
		}
		return nil
	})
	g.Go(func() error {
		args := append(append([]string{}, a.compose[1:]...), a.composeVersion...)
		res, err := a.run(gctx, "probe", a.compose[0], args...)
		if err == nil && res.Success() {
			caps.ComposeInstalled = true
			caps.ComposeVersion = extractVersion(res.Stdout)
			caps.ComposeSupported = composeSupported(caps.ComposeVersion, a.minComposeMajor)
		}
		return nil
	})
	g.Go(func() error {
		res, err := a.run(gctx, "probe", a.binary, "info", "--format", "{{json .}}")
		caps.Running = err == nil && res.Success()
		return nil
	})
	g.Go(func() error {
		caps.Authorized = a.authorized()
		return nil
	})
	_ = g.Wait()

	a.logger.Debug("capabilities probed",
		"installed", caps.Installed,
		"compose", caps.ComposeVersion,
		"compose_supported", caps.ComposeSupported,
		"running", caps.Running,
		"authorized", caps.Authorized)
	return caps
}

// extractVersion returns the first x.y[.z] in out, prefixed with "v".
func extractVersion(out string) string {
	m := versionPattern.FindStringSubmatch(out)
	if m == nil {
		return ""
	}
	v := "v" + m[1] + "." + m[2]
	if m[3] != "" {
		v += "." + m[3]
	}
	return v
}

func composeSupported(version, minMajor string) bool {
	if !semver.IsValid(version) {
		return false
	}
	return semver.Compare(semver.Major(version), minMajor) >= 0
}

// =============================================================================
// Specification
// =============================================================================

// WriteSpecification persists spec through the store.
func (a *cliAdapter) WriteSpecification(spec *composespec.Specification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	backup, err := a.store.Save(spec)
	if err != nil {
		a.logger.Error("failed to write specification", "path", a.store.Path(), "error", err)
		return err
	}
	a.logger.Info("specification saved", "path", a.store.Path(), "backup", backup)
	return nil
}

// Specification loads the persisted document.
func (a *cliAdapter) Specification() (*composespec.Specification, error) {
	return a.store.Load()
}

// =============================================================================
// Lifecycle
// =============================================================================

// Apply runs compose up -d or down in the specification directory.
func (a *cliAdapter) Apply(ctx context.Context, dir Direction) error {
	if !a.store.Exists() {
		return fmt.Errorf("%w: %s", ErrNoSpecification, a.store.Path())
	}

	args := append([]string{}, a.compose[1:]...)
	args = append(args, "-f", a.store.Path())
	switch dir {
	case Up:
		args = append(args, "up", "-d")
	case Down:
		args = append(args, "down")
	default:
		return fmt.Errorf("unknown compose direction %q", dir)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeouts.Compose)
	defer cancel()

	res, err := a.runInDir(ctx, "compose-"+string(dir), a.store.Dir(), a.compose[0], args...)
	if err != nil {
		return err
	}
	if !res.Success() {
		return a.failure(res)
	}
	a.warnStderr(res)
	return nil
}

// ControlContainer runs `container <action> <name>`.
func (a *cliAdapter) ControlContainer(ctx context.Context, action Action) error {
	if _, err := ParseAction(string(action)); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeouts.Process)
	defer cancel()

	res, err := a.run(ctx, string(action), a.binary, "container", string(action), a.containerName)
	if err != nil {
		return err
	}
	if !res.Success() {
		return a.failure(res)
	}
	a.warnStderr(res)
	return nil
}

// Remove deletes the container.
func (a *cliAdapter) Remove(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeouts.Process)
	defer cancel()

	res, err := a.run(ctx, "rm", a.binary, "rm", a.containerName)
	if err != nil {
		return err
	}
	if !res.Success() {
		return a.failure(res)
	}
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// Status inspects the container and normalizes its state.
func (a *cliAdapter) Status(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, a.timeouts.Process)
	defer cancel()

	res, err := a.run(ctx, "inspect", a.binary, "inspect", "--format", statusTemplate, a.containerName)
	if err != nil || !res.Success() {
		return StatusUnknown
	}
	return normalize(a.statuses, res.Output())
}

// Exists lists all containers filtered by name and looks for an exact match;
// the runtime filter matches substrings.
func (a *cliAdapter) Exists(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeouts.Process)
	defer cancel()

	res, err := a.run(ctx, "ps", a.binary, "ps", "-a",
		"--filter", "name="+a.containerName, "--format", "{{.Names}}")
	if err != nil {
		return false, err
	}
	if !res.Success() {
		return false, a.failure(res)
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) == a.containerName {
			return true, nil
		}
	}
	return false, nil
}

// ActivePortBindings parses `port <name>`.
func (a *cliAdapter) ActivePortBindings(ctx context.Context) ([]portmap.PortBinding, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeouts.Process)
	defer cancel()

	res, err := a.run(ctx, "port", a.binary, "port", a.containerName)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, a.failure(res)
	}
	return ParsePortOutput(res.Stdout)
}

// =============================================================================
// Command Helpers
// =============================================================================

// quietVerbs never fail their caller, so a missing binary is logged at
// Debug. Status runs "inspect" on every status tick.
var quietVerbs = map[string]bool{
	"probe":   true,
	"inspect": true,
}

func (a *cliAdapter) run(ctx context.Context, verb, name string, args ...string) (*process.Result, error) {
	return a.runInDir(ctx, verb, "", name, args...)
}

// runInDir runs one command, logs it with full context and records metrics.
// A returned error means the command could not run at all.
func (a *cliAdapter) runInDir(ctx context.Context, verb, dir, name string, args ...string) (*process.Result, error) {
	cmd := process.FormatCommand(name, args...)
	a.logger.Debug("running command", "command", cmd, "dir", dir)

	start := time.Now()
	var (
		res *process.Result
		err error
	)
	if dir == "" {
		res, err = a.proc.Run(ctx, name, args...)
	} else {
		res, err = a.proc.RunInDir(ctx, dir, name, args...)
	}
	failed := err != nil || res == nil || !res.Success()
	a.recorder.ObserveCommand(string(a.kind), verb, time.Since(start), failed)

	if err != nil {
		if quietVerbs[verb] {
			a.logger.Debug("command failed to run", "command", cmd, "error", err)
		} else {
			a.logger.Error("command failed to run", "command", cmd, "error", err)
		}
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	if res == nil {
		return nil, fmt.Errorf("%s: no result", cmd)
	}
	if res.Command == "" {
		res.Command = cmd
	}
	return res, nil
}

// failure logs and converts a non-zero exit, spotting port conflicts.
func (a *cliAdapter) failure(res *process.Result) error {
	cmdErr := &CommandError{
		Runtime:  a.kind,
		Command:  res.Command,
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
	}
	if port, ok := DetectBindConflict(res.Stderr + "\n" + res.Stdout); ok {
		a.logger.Error("runtime could not bind host port", "command", res.Command, "port", port)
		return &BindError{Port: port, Cause: cmdErr}
	}
	a.logger.Error("command failed",
		"command", res.Command,
		"exit_code", res.ExitCode,
		"stderr", strings.TrimSpace(res.Stderr))
	return cmdErr
}

// warnStderr surfaces stderr of a successful call. Compose prints progress
// and orphan warnings there even when everything worked.
func (a *cliAdapter) warnStderr(res *process.Result) {
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		a.logger.Warn("command succeeded with stderr output", "command", res.Command, "stderr", msg)
	}
}

var (
	bindConflictPattern = regexp.MustCompile(`(?i)address already in use|port is already allocated`)
	hostPortPattern     = regexp.MustCompile(`:(\d{1,5})\b`)
)

// DetectBindConflict looks for the runtime's "port taken" message and the
// port it names. ok is true even when the port cannot be recovered.
func DetectBindConflict(output string) (port int, ok bool) {
	for _, line := range strings.Split(output, "\n") {
		if !bindConflictPattern.MatchString(line) {
			continue
		}
		matches := hostPortPattern.FindAllStringSubmatch(line, -1)
		for i := len(matches) - 1; i >= 0; i-- {
			if p, err := strconv.Atoi(matches[i][1]); err == nil && p > 0 && p <= 65535 {
				return p, true
			}
		}
		return 0, true
	}
	return 0, false
}
