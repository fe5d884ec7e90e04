// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/AleutianAI/guestvm/cmd/guestvm/config"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/composespec"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/infra/engine"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/infra/process"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/metrics"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/negotiator"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/util"
	"github.com/AleutianAI/guestvm/pkg/logging"
	"github.com/AleutianAI/guestvm/pkg/ux"
)

// SpecFileName is the compose document inside the app directory.
const SpecFileName = "docker-compose.yml"

// app is the composition root shared by every command. Fields are built
// once in setup; tests replace the hooks before running a command.
type app struct {
	// Flags
	configPath string
	outputMode string
	verbose    bool

	stdout io.Writer
	stderr io.Writer

	cfgStore *config.Store
	cfg      config.GuestVMConfig
	logger   *logging.Logger
	printer  *ux.Printer
	metrics  *metrics.Metrics
	specs    *composespec.Store
	engine   engine.Adapter
	ports    *negotiator.Negotiator

	// Hooks
	procs      process.Manager
	newAdapter func(kind engine.Kind, cfg engine.Config) (engine.Adapter, error)
	prober     negotiator.PortProber
	lookPath   func(string) (string, bool)
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:     stdout,
		stderr:     stderr,
		configPath: config.DefaultPath(),
		procs:      process.NewExecManager(),
		newAdapter: engine.New,
		lookPath:   process.LookPath,
	}
}

// setup loads config and builds the shared collaborators.
func (a *app) setup() error {
	a.cfgStore = config.NewStore(a.configPath, nil)
	cfg, err := a.cfgStore.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg

	mode := ux.ParseMode(a.outputMode)
	if a.outputMode == "" {
		mode = ux.ModePlain
		if f, ok := a.stdout.(*os.File); ok {
			mode = ux.DetectMode(f)
		}
	}
	a.printer = ux.NewPrinter(a.stdout, a.stderr, mode)

	a.logger = logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "guestvm",
		JSON:    cfg.Logging.JSON,
		Quiet:   !a.verbose,
		Output:  a.stderr,
	})
	a.metrics = metrics.New()

	a.specs = composespec.NewStore(a.specPath(), composespec.StoreConfig{Logger: a.logger})
	kind, err := engine.ParseKind(cfg.Runtime)
	if err != nil {
		return err
	}
	a.engine, err = a.newAdapter(kind, engine.Config{
		ContainerName: cfg.ContainerName,
		Store:         a.specs,
		Process:       a.procs,
		Logger:        a.logger,
		Recorder:      a.metrics,
		Timeouts:      util.DefaultTimeouts(),
	})
	if err != nil {
		return err
	}

	a.ports = negotiator.New(negotiator.Config{
		SearchRange: cfg.Negotiation.SearchRange,
		Spacing:     cfg.Negotiation.Spacing,
		MaxShifts:   cfg.Negotiation.MaxShifts,
		Prober:      a.prober,
		Recorder:    a.metrics,
		Logger:      a.logger,
	})
	return nil
}

func (a *app) close() {
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

func (a *app) specPath() string {
	return filepath.Join(a.cfg.AppDir, SpecFileName)
}

// lock keeps other guestvm processes from mutating the specification.
func (a *app) lock() (release func(), err error) {
	l := process.NewLock(process.LockConfig{Dir: a.cfg.AppDir})
	if err := l.Acquire(); err != nil {
		var held *process.ErrLockHeld
		if errors.As(err, &held) {
			return nil, fmt.Errorf("%w; wait for it to finish", err)
		}
		return nil, err
	}
	return func() {
		if err := l.Release(); err != nil {
			a.logger.Warn("release lock failed", "error", err)
		}
	}, nil
}
