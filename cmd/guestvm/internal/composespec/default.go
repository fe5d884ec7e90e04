// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package composespec

import (
	"fmt"
	"strconv"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/negotiator"
)

// Guest ports published by the default document.
const (
	WebConsolePort = 8006
	GuestAPIPort   = 7148
	QMPPort        = 7149
	RDPPort        = negotiator.RDPPort
)

// Mount targets inside the container.
const (
	StorageTarget = "/storage"
	OEMTarget     = "/oem"
	BootISOTarget = "/boot.iso"
	SharedTarget  = "/shared"
)

const (
	// DefaultImage is the container image that boots the guest.
	DefaultImage = "ghcr.io/dockur/windows:4.14"

	// DefaultContainerName is the container_name of the guest service.
	DefaultContainerName = "GuestVM"

	// DefaultProjectName is the top-level compose project name.
	DefaultProjectName = "guestvm"

	// DataVolume is the named volume that backs the guest disk.
	DataVolume = "data"
)

// Options are the user-facing knobs of the default document.
type Options struct {
	Image         string
	ContainerName string
	Version       string
	CPUCores      int
	RAMGB         int
	DiskGB        int
	Username      string
	Password      string
	Language      string
}

// DefaultOptions returns the stock sizing and credentials.
func DefaultOptions() Options {
	return Options{
		Image:         DefaultImage,
		ContainerName: DefaultContainerName,
		Version:       "11",
		CPUCores:      4,
		RAMGB:         4,
		DiskGB:        64,
		Username:      "guest",
		Password:      "guest",
		Language:      "English",
	}
}

// Default builds the stock document.
//
// # Description
//
// One service keyed "windows" publishing the web console, the guest API,
// the QMP monitor and the remote-desktop port for TCP and UDP. QEMU is told
// to expose QMP on 7149 through ARGUMENTS, and HOST_PORTS forwards that port
// from the VM network namespace to the container.
//
// Zero-valued fields of opts fall back to DefaultOptions.
//
// # Outputs
//
//   - *Specification: A fresh document. Callers own it.
func Default(opts Options) *Specification {
	def := DefaultOptions()
	if opts.Image == "" {
		opts.Image = def.Image
	}
	if opts.ContainerName == "" {
		opts.ContainerName = def.ContainerName
	}
	if opts.Version == "" {
		opts.Version = def.Version
	}
	if opts.CPUCores <= 0 {
		opts.CPUCores = def.CPUCores
	}
	if opts.RAMGB <= 0 {
		opts.RAMGB = def.RAMGB
	}
	if opts.DiskGB <= 0 {
		opts.DiskGB = def.DiskGB
	}
	if opts.Username == "" {
		opts.Username = def.Username
	}
	if opts.Password == "" {
		opts.Password = def.Password
	}
	if opts.Language == "" {
		opts.Language = def.Language
	}

	return &Specification{
		Name:    DefaultProjectName,
		Volumes: map[string]Volume{DataVolume: {}},
		Services: map[string]Service{
			ServiceName: {
				Image:         opts.Image,
				ContainerName: opts.ContainerName,
				Environment:   EnvironmentFor(opts),
				CapAdd:        []string{"NET_ADMIN"},
				Privileged:    true,
				Ports: StringList{
					portEntry(WebConsolePort, ""),
					portEntry(GuestAPIPort, ""),
					portEntry(QMPPort, ""),
					portEntry(RDPPort, "tcp"),
					portEntry(RDPPort, "udp"),
				},
				Volumes: []string{
					DataVolume + ":" + StorageTarget,
					"./oem:" + OEMTarget,
				},
				Devices:         []string{"/dev/kvm", "/dev/net/tun"},
				Restart:         "on-failure",
				StopGracePeriod: "120s",
			},
		},
	}
}

// EnvironmentFor renders the sizing, credential and locale variables.
func EnvironmentFor(opts Options) Environment {
	return Environment{
		"VERSION":    opts.Version,
		"RAM_SIZE":   fmt.Sprintf("%dG", opts.RAMGB),
		"CPU_CORES":  strconv.Itoa(opts.CPUCores),
		"DISK_SIZE":  fmt.Sprintf("%dG", opts.DiskGB),
		"USERNAME":   opts.Username,
		"PASSWORD":   opts.Password,
		"LANGUAGE":   opts.Language,
		"HOME":       "${HOME}",
		"ARGUMENTS":  fmt.Sprintf("-qmp tcp:0.0.0.0:%d,server,wait=off", QMPPort),
		"HOST_PORTS": strconv.Itoa(QMPPort),
	}
}

// BootISOMount mounts a custom installer image.
func BootISOMount(isoPath string) string {
	return isoPath + ":" + BootISOTarget
}

// SharedHomeMount shares the user's home directory with the guest.
func SharedHomeMount(home string) string {
	return home + ":" + SharedTarget
}

func portEntry(port int, proto string) string {
	entry := fmt.Sprintf("%d:%d", port, port)
	if proto != "" {
		entry += "/" + proto
	}
	return entry
}
