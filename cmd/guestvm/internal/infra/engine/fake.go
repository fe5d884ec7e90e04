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
	"sync"
	"time"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/composespec"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/portmap"
)

// FakeAdapter is an in-memory Adapter for tests of the installer, the
// orchestrator and the status API.
//
// Zero value is usable: status unknown, no container, no bindings. Error
// fields are returned by the matching method when set.
type FakeAdapter struct {
	mu sync.Mutex

	KindValue     Kind
	Name          string
	CurrentStatus Status
	Caps          Capabilities
	Bindings      []portmap.PortBinding
	Spec          *composespec.Specification
	Present       bool

	ApplyErr    error
	ControlErr  error
	WriteErr    error
	BindingsErr error
	RemoveErr   error

	// OnApply runs inside Apply, after the call is recorded.
	OnApply func(Direction)

	calls []string
}

func (f *FakeAdapter) record(call string) {
	f.calls = append(f.calls, call)
}

// Calls returns the recorded method calls, e.g. "apply:up".
func (f *FakeAdapter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// SetStatus changes what Status returns.
func (f *FakeAdapter) SetStatus(s Status) {
	f.mu.Lock()
	f.CurrentStatus = s
	f.mu.Unlock()
}

// SetBindings changes what ActivePortBindings returns.
func (f *FakeAdapter) SetBindings(b []portmap.PortBinding, err error) {
	f.mu.Lock()
	f.Bindings, f.BindingsErr = b, err
	f.mu.Unlock()
}

func (f *FakeAdapter) Kind() Kind {
	if f.KindValue == "" {
		return Docker
	}
	return f.KindValue
}

func (f *FakeAdapter) ContainerName() string {
	if f.Name == "" {
		return composespec.DefaultContainerName
	}
	return f.Name
}

func (f *FakeAdapter) ProbeCapabilities(context.Context) Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("probe")
	caps := f.Caps
	caps.Runtime = f.Kind()
	caps.CheckedAt = time.Now()
	return caps
}

func (f *FakeAdapter) WriteSpecification(spec *composespec.Specification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("write")
	if f.WriteErr != nil {
		return f.WriteErr
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	f.Spec = spec.Clone()
	return nil
}

func (f *FakeAdapter) Specification() (*composespec.Specification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Spec == nil {
		return nil, composespec.ErrNotFound
	}
	return f.Spec.Clone(), nil
}

func (f *FakeAdapter) Apply(_ context.Context, dir Direction) error {
	f.mu.Lock()
	f.record("apply:" + string(dir))
	err := f.ApplyErr
	hook := f.OnApply
	if err == nil {
		f.Present = true
	}
	f.mu.Unlock()

	if hook != nil {
		hook(dir)
	}
	return err
}

func (f *FakeAdapter) ControlContainer(_ context.Context, action Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("control:" + string(action))
	return f.ControlErr
}

func (f *FakeAdapter) Status(context.Context) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CurrentStatus == "" {
		return StatusUnknown
	}
	return f.CurrentStatus
}

func (f *FakeAdapter) Exists(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Present, nil
}

func (f *FakeAdapter) Remove(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove")
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	f.Present = false
	return nil
}

func (f *FakeAdapter) ActivePortBindings(context.Context) ([]portmap.PortBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ports")
	if f.BindingsErr != nil {
		return nil, f.BindingsErr
	}
	return append([]portmap.PortBinding(nil), f.Bindings...), nil
}

var _ Adapter = (*FakeAdapter)(nil)
