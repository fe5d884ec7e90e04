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
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// dockerGroup is the group whose members may talk to the Docker daemon.
const dockerGroup = "docker"

// dockerStatuses maps `docker inspect` .State.Status values.
var dockerStatuses = map[string]Status{
	"created":    StatusCreated,
	"running":    StatusRunning,
	"paused":     StatusPaused,
	"exited":     StatusExited,
	"dead":       StatusExited,
	"restarting": StatusUnknown,
	"removing":   StatusUnknown,
}

// DockerAdapter drives the Docker CLI with the compose v2 plugin.
type DockerAdapter struct {
	*cliAdapter
}

// NewDocker creates a Docker adapter.
func NewDocker(cfg Config) *DockerAdapter {
	return &DockerAdapter{cliAdapter: newCLIAdapter(dialect{
		kind:            Docker,
		binary:          "docker",
		compose:         []string{"docker", "compose"},
		composeVersion:  []string{"version"},
		minComposeMajor: "v2",
		statuses:        dockerStatuses,
		authorized:      inDockerGroup,
	}, cfg)}
}

// inDockerGroup reports whether the current user may use the daemon socket:
// root, or a member of the docker group.
func inDockerGroup() bool {
	if unix.Geteuid() == 0 {
		return true
	}
	grp, err := user.LookupGroup(dockerGroup)
	if err != nil {
		return false
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return false
	}
	if unix.Getegid() == gid {
		return true
	}
	groups, err := unix.Getgroups()
	if err != nil {
		return false
	}
	for _, g := range groups {
		if g == gid {
			return true
		}
	}
	return false
}

var _ Adapter = (*DockerAdapter)(nil)
