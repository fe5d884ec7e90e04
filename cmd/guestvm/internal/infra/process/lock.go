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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// LockConfig configures where the lock and PID files live.
type LockConfig struct {
	// Dir is the directory for lock files. Default: system temp directory.
	Dir string

	// Name is the base name for lock files. Default: "guestvm".
	Name string
}

// Lock is an advisory flock(2) lock held by the guestvm instance that
// mutates the specification file.
//
// # Description
//
// Without it two terminals could race:
//
//   - Terminal A: `guestvm install` (writing the specification)
//   - Terminal B: `guestvm spec restore` (replacing it mid-write)
//
// # How It Works
//
//  1. Creates {Dir}/{Name}.lock
//  2. Takes a non-blocking exclusive flock on it
//  3. Writes the PID to {Dir}/{Name}.pid for the error message of the loser
//
// # Limitations
//
//   - Advisory only; a process that does not check can ignore it
//   - NFS and some network filesystems do not honour flock
type Lock struct {
	lockPath string
	pidPath  string
	file     *os.File
	held     bool
}

// ErrLockHeld is returned by Acquire when another process holds the lock.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
}

func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another guestvm instance is running (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another guestvm instance is running (check: lsof %s)", e.LockPath)
}

// NewLock creates a lock. It is not acquired.
func NewLock(config LockConfig) *Lock {
	if config.Dir == "" {
		config.Dir = os.TempDir()
	}
	if config.Name == "" {
		config.Name = "guestvm"
	}
	return &Lock{
		lockPath: filepath.Join(config.Dir, config.Name+".lock"),
		pidPath:  filepath.Join(config.Dir, config.Name+".pid"),
	}
}

// Acquire takes the lock without blocking.
//
// # Outputs
//
//   - error: *ErrLockHeld if another process holds it, or a filesystem error
func (l *Lock) Acquire() error {
	if l.held {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0o750); err != nil {
		return fmt.Errorf("failed to create lock dir: %w", err)
	}

	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create lock file %s: %w", l.lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &ErrLockHeld{HolderPID: l.HolderPID(), LockPath: l.lockPath}
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	l.file = f
	l.held = true

	// The PID file is informational; the flock is what matters.
	_ = os.WriteFile(l.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
	return nil
}

// Release drops the lock. Safe to call when not held.
func (l *Lock) Release() error {
	if !l.held || l.file == nil {
		return nil
	}
	_ = os.Remove(l.pidPath)

	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
	l.held = false

	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// IsHeld reports whether this instance holds the lock.
func (l *Lock) IsHeld() bool {
	return l.held
}

// HolderPID reads the PID file. 0 if unknown.
func (l *Lock) HolderPID() int {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.lockPath
}
