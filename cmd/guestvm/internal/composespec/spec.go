// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package composespec models the compose document that runs the guest VM
// container, and persists it safely.
//
// A Specification is treated as an immutable value. The With* methods return
// a modified deep copy, so a reader holding the previous value never observes
// a half-applied edit. Store writes a timestamped backup of the current file
// before atomically replacing it.
//
// Keys this package does not model are kept in Extra and written back
// unchanged, so hand edits such as a healthcheck survive a port rewrite.
package composespec

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/negotiator"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/portmap"
)

// ServiceName is the key of the guest service in the services map.
const ServiceName = "windows"

var (
	// ErrNoGuestService means the document has no "windows" service.
	ErrNoGuestService = errors.New("specification has no " + ServiceName + " service")

	// ErrInvalidSpecification wraps every Validate failure.
	ErrInvalidSpecification = errors.New("invalid specification")
)

// =============================================================================
// Document Types
// =============================================================================

// Specification is the top-level compose document.
type Specification struct {
	Name     string             `yaml:"name,omitempty"`
	Volumes  map[string]Volume  `yaml:"volumes,omitempty"`
	Networks map[string]Network `yaml:"networks,omitempty"`
	Services map[string]Service `yaml:"services"`

	Extra map[string]any `yaml:",inline"`
}

// Volume is a named volume declaration.
type Volume struct {
	Driver   string         `yaml:"driver,omitempty"`
	Name     string         `yaml:"name,omitempty"`
	External bool           `yaml:"external,omitempty"`
	Extra    map[string]any `yaml:",inline"`
}

// Network is a named network declaration.
type Network struct {
	Driver   string         `yaml:"driver,omitempty"`
	External bool           `yaml:"external,omitempty"`
	Extra    map[string]any `yaml:",inline"`
}

// Service is one entry under services.
type Service struct {
	Image           string      `yaml:"image"`
	ContainerName   string      `yaml:"container_name,omitempty"`
	Environment     Environment `yaml:"environment,omitempty"`
	CapAdd          []string    `yaml:"cap_add,omitempty"`
	Privileged      bool        `yaml:"privileged,omitempty"`
	Ports           StringList  `yaml:"ports,omitempty"`
	Volumes         []string    `yaml:"volumes,omitempty"`
	Devices         []string    `yaml:"devices,omitempty"`
	Restart         string      `yaml:"restart,omitempty"`
	StopGracePeriod string      `yaml:"stop_grace_period,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// Environment accepts both compose forms, a mapping and a list of
// "KEY=VALUE" strings. It is always written as a mapping.
type Environment map[string]string

// UnmarshalYAML decodes either environment form. Scalar values of any tag
// (4, true, 4G) are kept as their literal text.
func (e *Environment) UnmarshalYAML(node *yaml.Node) error {
	out := make(Environment)
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			out[node.Content[i].Value] = node.Content[i+1].Value
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			key, value, _ := strings.Cut(item.Value, "=")
			out[key] = value
		}
	case yaml.ScalarNode:
		if node.Tag != "!!null" {
			return fmt.Errorf("line %d: environment must be a mapping or a list", node.Line)
		}
	default:
		return fmt.Errorf("line %d: environment must be a mapping or a list", node.Line)
	}
	*e = out
	return nil
}

// StringList decodes a sequence of scalars of any tag as strings, so
// `- 8006` and `- "8006:8006"` both load.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: expected a list", node.Line)
	}
	out := make(StringList, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: expected a scalar list item", item.Line)
		}
		out = append(out, item.Value)
	}
	*l = out
	return nil
}

// =============================================================================
// Codec
// =============================================================================

// Marshal encodes the document with two-space indentation.
func Marshal(spec *Specification) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(spec); err != nil {
		return nil, fmt.Errorf("encode specification: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode specification: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a document.
func Unmarshal(data []byte) (*Specification, error) {
	var spec Specification
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode specification: %w", err)
	}
	if spec.Services == nil {
		spec.Services = make(map[string]Service)
	}
	return &spec, nil
}

// =============================================================================
// Accessors
// =============================================================================

// Guest returns the guest service.
func (s *Specification) Guest() (Service, error) {
	svc, ok := s.Services[ServiceName]
	if !ok {
		return Service{}, ErrNoGuestService
	}
	return svc, nil
}

// PortBindings parses the guest service's ports.
func (s *Specification) PortBindings() ([]portmap.PortBinding, error) {
	svc, err := s.Guest()
	if err != nil {
		return nil, err
	}
	return portmap.ParseAll(svc.Ports)
}

// Validate checks what the runtime would otherwise reject late, or accept
// and misroute: a missing guest service or image, an unparseable port and
// remote-desktop TCP/UDP entries on different host ports.
func (s *Specification) Validate() error {
	svc, err := s.Guest()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSpecification, err)
	}
	if strings.TrimSpace(svc.Image) == "" {
		return fmt.Errorf("%w: service %s has no image", ErrInvalidSpecification, ServiceName)
	}
	bindings, err := portmap.ParseAll(svc.Ports)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSpecification, err)
	}
	if err := negotiator.CheckRDPSymmetry(bindings); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSpecification, err)
	}
	return nil
}

// =============================================================================
// Immutable Edits
// =============================================================================

// Clone returns a deep copy.
func (s *Specification) Clone() *Specification {
	out := &Specification{
		Name:     s.Name,
		Volumes:  cloneMap(s.Volumes),
		Networks: cloneMap(s.Networks),
		Services: make(map[string]Service, len(s.Services)),
		Extra:    cloneMap(s.Extra),
	}
	for name, svc := range s.Services {
		out.Services[name] = svc.clone()
	}
	return out
}

func (svc Service) clone() Service {
	svc.Environment = Environment(cloneMap(map[string]string(svc.Environment)))
	svc.CapAdd = cloneSlice(svc.CapAdd)
	svc.Ports = StringList(cloneSlice([]string(svc.Ports)))
	svc.Volumes = cloneSlice(svc.Volumes)
	svc.Devices = cloneSlice(svc.Devices)
	svc.Extra = cloneMap(svc.Extra)
	return svc
}

// editGuest clones s, applies fn to the guest service and returns the clone.
// A document without a guest service is returned as an unmodified clone.
func (s *Specification) editGuest(fn func(svc *Service)) *Specification {
	out := s.Clone()
	svc, ok := out.Services[ServiceName]
	if !ok {
		return out
	}
	fn(&svc)
	out.Services[ServiceName] = svc
	return out
}

// WithPorts replaces the guest service's ports.
func (s *Specification) WithPorts(entries []string) *Specification {
	return s.editGuest(func(svc *Service) {
		svc.Ports = StringList(cloneSlice(entries))
	})
}

// WithEnvironment merges vars into the guest environment. An empty value
// removes the key.
func (s *Specification) WithEnvironment(vars map[string]string) *Specification {
	return s.editGuest(func(svc *Service) {
		if svc.Environment == nil {
			svc.Environment = make(Environment)
		}
		for k, v := range vars {
			if v == "" {
				delete(svc.Environment, k)
				continue
			}
			svc.Environment[k] = v
		}
	})
}

// WithVolume adds a mount, replacing any mount with the same target.
func (s *Specification) WithVolume(mount string) *Specification {
	target := MountTarget(mount)
	return s.editGuest(func(svc *Service) {
		for i, existing := range svc.Volumes {
			if MountTarget(existing) == target {
				svc.Volumes[i] = mount
				return
			}
		}
		svc.Volumes = append(svc.Volumes, mount)
	})
}

// WithoutVolumeTarget drops every mount whose container path is target.
func (s *Specification) WithoutVolumeTarget(target string) *Specification {
	return s.editGuest(func(svc *Service) {
		kept := svc.Volumes[:0]
		for _, existing := range svc.Volumes {
			if MountTarget(existing) != target {
				kept = append(kept, existing)
			}
		}
		svc.Volumes = kept
	})
}

// MountTarget returns the container path of a short-syntax mount
// "source:target[:mode]". A bare "target" is its own target.
func MountTarget(mount string) string {
	parts := strings.Split(mount, ":")
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[1]
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	if in == nil {
		return nil
	}
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
