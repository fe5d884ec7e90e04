// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
)

type GuestVMConfig struct {
	// Runtime is "docker" or "podman".
	Runtime string `yaml:"runtime" validate:"oneof=docker podman"`

	// ContainerName is the container_name written into the specification.
	ContainerName string `yaml:"container_name" validate:"required,max=63"`

	// AppDir holds the specification, its backups and the oem directory.
	AppDir string `yaml:"app_dir" validate:"required"`

	Negotiation  NegotiationConfig  `yaml:"negotiation"`
	Experimental ExperimentalConfig `yaml:"experimental"`
	Polling      PollingConfig      `yaml:"polling"`
	Install      InstallConfig      `yaml:"install"`
	Logging      LoggingConfig      `yaml:"logging"`
	Serve        ServeConfig        `yaml:"serve"`
}

type NegotiationConfig struct {
	SearchRange int `yaml:"search_range" validate:"gte=1,lte=10000"`
	Spacing     int `yaml:"spacing" validate:"gte=0,lte=60000"`
	MaxShifts   int `yaml:"max_shifts" validate:"gte=0,lte=64"`
}

type ExperimentalConfig struct {
	QMP bool `yaml:"qmp"`
}

type PollingConfig struct {
	Status  time.Duration `yaml:"status" validate:"gte=100ms"`
	Health  time.Duration `yaml:"health" validate:"gte=100ms"`
	Metrics time.Duration `yaml:"metrics" validate:"gte=100ms"`
	RDP     time.Duration `yaml:"rdp" validate:"gte=100ms"`
	QMP     time.Duration `yaml:"qmp" validate:"gte=100ms"`
}

// InstallConfig are the defaults offered by `guestvm install`. The guest
// password is never stored here.
type InstallConfig struct {
	Version   string `yaml:"version" validate:"required"`
	CPUCores  int    `yaml:"cpu_cores" validate:"gte=1,lte=256"`
	RAMGB     int    `yaml:"ram_gb" validate:"gte=2,lte=1024"`
	DiskGB    int    `yaml:"disk_gb" validate:"gte=32"`
	Username  string `yaml:"username" validate:"required,max=20"`
	Locale    string `yaml:"locale" validate:"required"`
	ShareHome bool   `yaml:"share_home"`
	ISOPath   string `yaml:"iso_path,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

type ServeConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// DefaultDir returns ~/.guestvm, or a relative .guestvm when the home
// directory cannot be determined.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".guestvm"
	}
	return filepath.Join(home, ".guestvm")
}

// DefaultPath returns ~/.guestvm/guestvm.yaml.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "guestvm.yaml")
}

func DefaultConfig() GuestVMConfig {
	dir := DefaultDir()
	return GuestVMConfig{
		Runtime:       "docker",
		ContainerName: "GuestVM",
		AppDir:        dir,
		Negotiation: NegotiationConfig{
			SearchRange: 100,
			Spacing:     1000,
			MaxShifts:   8,
		},
		Polling: PollingConfig{
			Status:  time.Second,
			Health:  5 * time.Second,
			Metrics: 5 * time.Second,
			RDP:     2 * time.Second,
			QMP:     5 * time.Second,
		},
		Install: InstallConfig{
			Version:   "11",
			CPUCores:  4,
			RAMGB:     4,
			DiskGB:    64,
			Username:  "guest",
			Locale:    "English",
			ShareHome: true,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join(dir, "logs"),
		},
		Serve: ServeConfig{
			Addr: "127.0.0.1:7160",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against its constraints.
func (c *GuestVMConfig) Validate() error {
	return validate.Struct(c)
}
