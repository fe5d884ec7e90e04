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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/util"
	"github.com/AleutianAI/guestvm/pkg/logging"
)

// ErrNotFound means the specification file does not exist yet.
var ErrNotFound = errors.New("specification file not found")

// Backup describes one timestamped copy of the specification file.
type Backup struct {
	Path      string
	CreatedAt time.Time
	Size      int64
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// MaxBackups is how many backups survive rotation. Default: 10.
	MaxBackups int

	// Logger receives backup and write events. Default: discard.
	Logger *logging.Logger
}

const (
	backupSuffix     = ".backup."
	backupTimeFormat = "2006-01-02_150405.000000000"
)

// Store reads and writes one specification file.
//
// # Description
//
// Save never leaves a partially written file: the document is written to a
// temporary file in the same directory, synced, and renamed over the
// original. Before that, the current file is copied to
// "<file>.backup.<timestamp>", giving an audit trail and a manual recovery
// path. Writes are serialized; the file has a single writer.
//
// # Thread Safety
//
// Safe for concurrent use within one process. Use process.Lock to keep other
// guestvm processes out.
type Store struct {
	path       string
	maxBackups int
	logger     *logging.Logger
	mu         sync.Mutex
}

// NewStore creates a Store for path.
func NewStore(path string, cfg StoreConfig) *Store {
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Store{path: path, maxBackups: cfg.MaxBackups, logger: cfg.Logger}
}

// Path returns the specification file path.
func (s *Store) Path() string {
	return s.path
}

// Dir returns the directory holding the specification file. Compose
// resolves relative mounts such as ./oem against it.
func (s *Store) Dir() string {
	return filepath.Dir(s.path)
}

// Exists reports whether the specification file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads and decodes the specification file.
func (s *Store) Load() (*Specification, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("read specification: %w", err)
	}
	return Unmarshal(data)
}

// Save backs up the current file and atomically replaces it with spec.
//
// # Inputs
//
//   - spec: Document to persist. Validated first.
//
// # Outputs
//
//   - string: Path of the backup taken, "" if there was no previous file
//   - error: Validation, backup or write failure. The previous file is left
//     untouched on any error.
func (s *Store) Save(spec *Specification) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	data, err := Marshal(spec)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replace(data)
}

func (s *Store) replace(data []byte) (string, error) {
	if err := os.MkdirAll(s.Dir(), 0o750); err != nil {
		return "", fmt.Errorf("create specification dir: %w", err)
	}

	backupPath, err := s.backup()
	if err != nil {
		return "", err
	}
	if err := util.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return "", err
	}
	s.logger.Info("specification written", "path", s.path, "backup", backupPath, "bytes", len(data))

	if err := s.rotate(); err != nil {
		s.logger.Warn("backup rotation failed", "error", err)
	}
	return backupPath, nil
}

// backup copies the current file aside. Copying instead of renaming keeps
// the original in place until the new one is renamed over it.
func (s *Store) backup() (string, error) {
	src, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open specification for backup: %w", err)
	}
	defer src.Close()

	backupPath := s.path + backupSuffix + time.Now().UTC().Format(backupTimeFormat)
	dst, err := os.OpenFile(backupPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(backupPath)
		return "", fmt.Errorf("copy backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(backupPath)
		return "", fmt.Errorf("sync backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close backup: %w", err)
	}
	return backupPath, nil
}

// Backups lists backups newest first.
func (s *Store) Backups() ([]Backup, error) {
	prefix := filepath.Base(s.path) + backupSuffix
	entries, err := os.ReadDir(s.Dir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read specification dir: %w", err)
	}

	var backups []Backup
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		createdAt, err := time.Parse(backupTimeFormat, strings.TrimPrefix(name, prefix))
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Backup{
			Path:      filepath.Join(s.Dir(), name),
			CreatedAt: createdAt,
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Restore makes a backup the current specification.
//
// The backup must belong to this store and decode to a valid document. The
// current file is itself backed up first, so a restore can be undone.
func (s *Store) Restore(backupPath string) (*Specification, error) {
	prefix := filepath.Base(s.path) + backupSuffix
	if filepath.Dir(backupPath) != s.Dir() || !strings.HasPrefix(filepath.Base(backupPath), prefix) {
		return nil, fmt.Errorf("%s is not a backup of %s", backupPath, s.path)
	}

	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	spec, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("backup %s: %w", backupPath, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.replace(data); err != nil {
		return nil, err
	}
	s.logger.Info("specification restored", "from", backupPath)
	return spec, nil
}

func (s *Store) rotate() error {
	backups, err := s.Backups()
	if err != nil {
		return err
	}
	if len(backups) <= s.maxBackups {
		return nil
	}
	var firstErr error
	for _, b := range backups[s.maxBackups:] {
		if err := os.Remove(b.Path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
