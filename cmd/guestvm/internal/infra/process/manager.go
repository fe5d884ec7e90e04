// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Result
// -----------------------------------------------------------------------------

// Result is the outcome of a command that was started.
type Result struct {
	// Command is the full command line, for logs and error messages.
	Command string

	// Stdout and Stderr hold the captured streams.
	Stdout string
	Stderr string

	// ExitCode is the process exit status. -1 if it never reported one.
	ExitCode int

	// Duration is the wall-clock time of the run.
	Duration time.Duration
}

// Success reports a zero exit status.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Output returns trimmed stdout.
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Stdout)
}

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Manager runs external processes.
//
// # Description
//
// A non-zero exit is NOT an error at this layer: the Result carries the code
// and the caller decides. An error means the command could not be run at all
// (binary missing, context cancelled).
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Manager interface {
	// Run executes name with args in the current directory and waits.
	Run(ctx context.Context, name string, args ...string) (*Result, error)

	// RunInDir is Run with a working directory. Compose resolves relative
	// volume paths against it.
	RunInDir(ctx context.Context, dir, name string, args ...string) (*Result, error)

	// Start launches a detached process and returns its PID without waiting.
	Start(ctx context.Context, name string, args ...string) (int, error)
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// ExecManager implements Manager with os/exec.
type ExecManager struct{}

// NewExecManager creates an ExecManager.
func NewExecManager() *ExecManager {
	return &ExecManager{}
}

// Run executes a command synchronously.
func (m *ExecManager) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return m.RunInDir(ctx, "", name, args...)
}

// RunInDir executes a command synchronously in dir.
func (m *ExecManager) RunInDir(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Command:  FormatCommand(name, args...),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("%s: %w", res.Command, ctxErr)
		}
		return res, fmt.Errorf("%s: %w", res.Command, err)
	}
	return res, nil
}

// Start launches a detached process. The child is reaped in the background
// so it never lingers as a zombie.
func (m *ExecManager) Start(_ context.Context, name string, args ...string) (int, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", name, err)
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

// FormatCommand joins a command line for display.
func FormatCommand(name string, args ...string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

// LookPath reports whether name resolves on PATH.
func LookPath(name string) (string, bool) {
	path, err := exec.LookPath(name)
	return path, err == nil
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockManager is a test double for Manager.
//
// RunFunc serves both Run (dir == "") and RunInDir. A nil RunFunc returns an
// empty successful Result; a nil StartFunc returns PID 4242.
//
// # Examples
//
//	mock := &MockManager{
//	    RunFunc: func(ctx context.Context, dir, name string, args ...string) (*Result, error) {
//	        if len(args) > 0 && args[0] == "--version" {
//	            return &Result{Stdout: "Docker version 27.3.1"}, nil
//	        }
//	        return nil, fmt.Errorf("unexpected command: %s", name)
//	    },
//	}
type MockManager struct {
	RunFunc   func(ctx context.Context, dir, name string, args ...string) (*Result, error)
	StartFunc func(ctx context.Context, name string, args ...string) (int, error)

	calls []Call
	mu    sync.Mutex
}

// Call records a single invocation.
type Call struct {
	Method string
	Dir    string
	Name   string
	Args   []string
}

// String renders the call as a command line.
func (c Call) String() string {
	return FormatCommand(c.Name, c.Args...)
}

func (m *MockManager) record(c Call) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

// Run delegates to RunFunc and records the call.
func (m *MockManager) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return m.run(ctx, "Run", "", name, args...)
}

// RunInDir delegates to RunFunc and records the call.
func (m *MockManager) RunInDir(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	return m.run(ctx, "RunInDir", dir, name, args...)
}

func (m *MockManager) run(ctx context.Context, method, dir, name string, args ...string) (*Result, error) {
	m.record(Call{Method: method, Dir: dir, Name: name, Args: args})
	if m.RunFunc == nil {
		return &Result{Command: FormatCommand(name, args...)}, nil
	}
	res, err := m.RunFunc(ctx, dir, name, args...)
	if res != nil && res.Command == "" {
		res.Command = FormatCommand(name, args...)
	}
	return res, err
}

// Start delegates to StartFunc and records the call.
func (m *MockManager) Start(ctx context.Context, name string, args ...string) (int, error) {
	m.record(Call{Method: "Start", Name: name, Args: args})
	if m.StartFunc == nil {
		return 4242, nil
	}
	return m.StartFunc(ctx, name, args...)
}

// Calls returns a copy of all recorded calls.
func (m *MockManager) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears all recorded calls.
func (m *MockManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Compile-time interface compliance check.
var (
	_ Manager = (*ExecManager)(nil)
	_ Manager = (*MockManager)(nil)
)
