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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/util"
	"github.com/AleutianAI/guestvm/pkg/logging"
)

// ErrUnknownKey is returned by Get and Set for a key that names no field.
var ErrUnknownKey = errors.New("unknown config key")

// reloadDebounce coalesces the write/rename bursts editors produce.
const reloadDebounce = 100 * time.Millisecond

// Store owns one config file.
//
// # Thread Safety
//
// Safe for concurrent use. Current returns a copy; listeners run on the
// watcher goroutine.
type Store struct {
	path   string
	logger *logging.Logger

	mu      sync.RWMutex
	current GuestVMConfig
	loaded  bool
}

// NewStore returns a Store for path. Nothing is read until Load.
func NewStore(path string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{path: path, logger: logger.With("component", "config")}
}

// Path returns the config file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the file, creating it with defaults on first run.
func (s *Store) Load() (GuestVMConfig, error) {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		s.logger.Info("first run, creating config", "path", s.path)
		if err := s.Save(DefaultConfig()); err != nil {
			return GuestVMConfig{}, err
		}
	}
	cfg, err := s.read()
	if err != nil {
		return GuestVMConfig{}, err
	}
	s.set(cfg)
	return cfg, nil
}

func (s *Store) read() (GuestVMConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return GuestVMConfig{}, fmt.Errorf("read config %s: %w", s.path, err)
	}
	// Keys missing from the file keep their defaults.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return GuestVMConfig{}, fmt.Errorf("parse config %s: %w", s.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return GuestVMConfig{}, fmt.Errorf("invalid config %s: %w", s.path, err)
	}
	return cfg, nil
}

func (s *Store) set(cfg GuestVMConfig) {
	s.mu.Lock()
	s.current, s.loaded = cfg, true
	s.mu.Unlock()
}

// Current returns the last loaded or saved config, or defaults.
func (s *Store) Current() GuestVMConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return DefaultConfig()
	}
	return s.current
}

// Save validates cfg and writes it atomically.
func (s *Store) Save(cfg GuestVMConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := util.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return err
	}
	s.set(cfg)
	return nil
}

// =============================================================================
// Dotted Keys
// =============================================================================

// Keys lists every settable key, e.g. "negotiation.search_range".
func Keys() []string {
	var out []string
	walkKeys(reflect.TypeOf(GuestVMConfig{}), "", &out)
	sort.Strings(out)
	return out
}

func walkKeys(t reflect.Type, prefix string, out *[]string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := yamlName(f)
		if name == "" {
			continue
		}
		if f.Type.Kind() == reflect.Struct {
			walkKeys(f.Type, prefix+name+".", out)
			continue
		}
		*out = append(*out, prefix+name)
	}
}

func yamlName(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return ""
	}
	return name
}

// lookup resolves a dotted key to a settable leaf field of v.
func lookup(v reflect.Value, key string) (reflect.Value, error) {
	for _, part := range strings.Split(key, ".") {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		found := false
		for i := 0; i < v.NumField(); i++ {
			if yamlName(v.Type().Field(i)) == part {
				v, found = v.Field(i), true
				break
			}
		}
		if !found {
			return reflect.Value{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
	}
	if v.Kind() == reflect.Struct {
		return reflect.Value{}, fmt.Errorf("%w: %s is a section", ErrUnknownKey, key)
	}
	return v, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// Get returns the value of a dotted key as a string.
func (s *Store) Get(key string) (string, error) {
	cfg := s.Current()
	v, err := lookup(reflect.ValueOf(&cfg).Elem(), key)
	if err != nil {
		return "", err
	}
	if v.Type() == durationType {
		return v.Interface().(time.Duration).String(), nil
	}
	return fmt.Sprint(v.Interface()), nil
}

// Set parses value for the key's type, validates, and saves.
func (s *Store) Set(key, value string) error {
	cfg := s.Current()
	v, err := lookup(reflect.ValueOf(&cfg).Elem(), key)
	if err != nil {
		return err
	}

	switch {
	case v.Type() == durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		v.SetInt(int64(d))
	case v.Kind() == reflect.String:
		v.SetString(value)
	case v.Kind() == reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", key, value)
		}
		v.SetInt(int64(n))
	case v.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %q is not a boolean", key, value)
		}
		v.SetBool(b)
	default:
		return fmt.Errorf("%s: unsupported type %s", key, v.Type())
	}
	return s.Save(cfg)
}

// =============================================================================
// Watch
// =============================================================================

// Watch reloads the file when it changes on disk and calls onChange with the
// new config. Invalid edits are logged and ignored. Blocks until ctx is done.
//
// The parent directory is watched, not the file, so atomic replacement by
// rename is seen.
func (s *Store) Watch(ctx context.Context, onChange func(GuestVMConfig)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	target := filepath.Clean(s.path)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", "error", err)

		case <-fire:
			fire = nil
			cfg, err := s.read()
			if err != nil {
				s.logger.Warn("ignoring config change", "error", err)
				continue
			}
			if reflect.DeepEqual(cfg, s.Current()) {
				continue
			}
			s.set(cfg)
			s.logger.Info("config reloaded", "path", s.path)
			if onChange != nil {
				onChange(cfg)
			}
		}
	}
}
