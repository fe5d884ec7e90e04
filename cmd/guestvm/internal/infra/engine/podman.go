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

// podmanStatuses maps `podman inspect` .State.Status values.
var podmanStatuses = map[string]Status{
	"created":     StatusCreated,
	"configured":  StatusCreated,
	"initialized": StatusCreated,
	"running":     StatusRunning,
	"paused":      StatusPaused,
	"exited":      StatusExited,
	"stopped":     StatusExited,
	"stopping":    StatusExited,
	"removing":    StatusUnknown,
}

// PodmanAdapter drives the Podman CLI with podman-compose.
type PodmanAdapter struct {
	*cliAdapter
}

// NewPodman creates a Podman adapter. Podman is daemonless and rootless, so
// every user is authorized.
func NewPodman(cfg Config) *PodmanAdapter {
	return &PodmanAdapter{cliAdapter: newCLIAdapter(dialect{
		kind:            Podman,
		binary:          "podman",
		compose:         []string{"podman-compose"},
		composeVersion:  []string{"--version"},
		minComposeMajor: "v1",
		statuses:        podmanStatuses,
		authorized:      func() bool { return true },
	}, cfg)}
}

var _ Adapter = (*PodmanAdapter)(nil)
