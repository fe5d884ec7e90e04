// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package portmap

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Constants and Errors
// =============================================================================

// Protocol is the transport protocol of a binding.
type Protocol string

const (
	// TCP is the default protocol when an entry has no "/proto" suffix.
	TCP Protocol = "tcp"

	// UDP is used by the remote-desktop transport alongside TCP.
	UDP Protocol = "udp"
)

// WildcardAddress is the host address used when an entry omits one.
const WildcardAddress = "0.0.0.0"

const (
	minPort = 1
	maxPort = 65535
)

// ErrInvalidPortMapping is wrapped by every ParseError so callers can match
// malformed entries with errors.Is.
var ErrInvalidPortMapping = errors.New("invalid port mapping")

// ParseError describes why a single textual entry was rejected.
type ParseError struct {
	Entry  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v %q: %s", ErrInvalidPortMapping, e.Entry, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrInvalidPortMapping
}

func parseErr(entry, format string, args ...any) error {
	return &ParseError{Entry: entry, Reason: fmt.Sprintf(format, args...)}
}

// =============================================================================
// PortRange
// =============================================================================

// PortRange is an inclusive range of ports. A single port has Start == End.
type PortRange struct {
	Start int
	End   int
}

// SinglePort returns the range containing only port.
func SinglePort(port int) PortRange {
	return PortRange{Start: port, End: port}
}

// ParsePortRange parses "8006" or "8000-8010".
//
// Token syntax is delegated to go-connections/nat, the same parser the
// container engines use, so anything the runtime accepts parses here too.
// Port 0 is rejected: this system never asks the runtime to pick a port.
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PortRange{}, fmt.Errorf("empty port")
	}
	start, end, err := nat.ParsePortRangeToInt(s)
	if err != nil {
		return PortRange{}, fmt.Errorf("bad port %q: %w", s, err)
	}
	r := PortRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return PortRange{}, err
	}
	return r, nil
}

// Validate checks 1 <= Start <= End <= 65535.
func (r PortRange) Validate() error {
	if r.Start < minPort || r.Start > maxPort || r.End < minPort || r.End > maxPort {
		return fmt.Errorf("port out of range %d-%d: %s", minPort, maxPort, r)
	}
	if r.Start > r.End {
		return fmt.Errorf("range start after end: %s", r)
	}
	return nil
}

// IsSingle reports whether the range holds exactly one port.
func (r PortRange) IsSingle() bool {
	return r.Start == r.End
}

// Len returns the number of ports in the range.
func (r PortRange) Len() int {
	return r.End - r.Start + 1
}

// Contains reports whether port falls inside the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// String renders "8006" for a single port and "8000-8010" otherwise.
func (r PortRange) String() string {
	if r.IsSingle() {
		return strconv.Itoa(r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// =============================================================================
// PortBinding
// =============================================================================

// PortBinding is one entry of a service's port list.
//
// HostAddress is either a canonical IP literal or the empty string. The empty
// string is distinct from WildcardAddress: it is Podman's extended syntax for
// "let the system pick" and must survive a rewrite unchanged.
type PortBinding struct {
	HostAddress   string
	HostPort      PortRange
	ContainerPort PortRange
	Protocol      Protocol
}

// NewBinding returns a wildcard-address binding for single ports.
func NewBinding(hostPort, containerPort int, proto Protocol) PortBinding {
	return PortBinding{
		HostAddress:   WildcardAddress,
		HostPort:      SinglePort(hostPort),
		ContainerPort: SinglePort(containerPort),
		Protocol:      proto,
	}
}

// Parse parses one `[[host_ip:]host_port:]container_port[/protocol]` entry.
//
// # Description
//
// The protocol suffix is split off first; the remainder is split on ":".
// One token is an identity mapping, two tokens are host and container port,
// and with three or more the leading tokens form the bind address. A
// bracketed address is IPv6 and is unbracketed before validation.
//
// # Inputs
//
//   - entry: Textual entry from a specification's ports list
//
// # Outputs
//
//   - PortBinding: Parsed binding with defaults filled in
//   - error: *ParseError wrapping ErrInvalidPortMapping
//
// # Example
//
//	b, err := portmap.Parse("127.0.0.1:3390:3389/udp")
//	// b.HostAddress == "127.0.0.1", b.HostPort.Start == 3390, b.Protocol == UDP
//
// # Limitations
//
//   - An empty host port ("127.0.0.1::8006") is rejected
func Parse(entry string) (PortBinding, error) {
	raw := strings.TrimSpace(entry)
	if raw == "" {
		return PortBinding{}, parseErr(entry, "empty entry")
	}

	binding := PortBinding{HostAddress: WildcardAddress, Protocol: TCP}

	spec := raw
	if idx := strings.LastIndex(raw, "/"); idx >= 0 {
		proto := raw[idx+1:]
		spec = raw[:idx]
		switch Protocol(proto) {
		case TCP, UDP:
			binding.Protocol = Protocol(proto)
		default:
			return PortBinding{}, parseErr(entry, "unsupported protocol %q", proto)
		}
	}

	tokens := strings.Split(spec, ":")
	var hostTok, containerTok string
	switch n := len(tokens); n {
	case 1:
		hostTok, containerTok = tokens[0], tokens[0]
	case 2:
		hostTok, containerTok = tokens[0], tokens[1]
	default:
		addr, err := parseAddress(strings.Join(tokens[:n-2], ":"))
		if err != nil {
			return PortBinding{}, parseErr(entry, "%v", err)
		}
		binding.HostAddress = addr
		hostTok, containerTok = tokens[n-2], tokens[n-1]
	}

	var err error
	if binding.HostPort, err = ParsePortRange(hostTok); err != nil {
		return PortBinding{}, parseErr(entry, "host port: %v", err)
	}
	if binding.ContainerPort, err = ParsePortRange(containerTok); err != nil {
		return PortBinding{}, parseErr(entry, "container port: %v", err)
	}
	if !binding.ContainerPort.IsSingle() && binding.HostPort.Len() != binding.ContainerPort.Len() {
		return PortBinding{}, parseErr(entry, "host range %s does not match container range %s",
			binding.HostPort, binding.ContainerPort)
	}
	return binding, nil
}

// parseAddress validates a bind address, keeping "" as-is.
func parseAddress(addr string) (string, error) {
	if addr == "" {
		return "", nil
	}
	if strings.HasPrefix(addr, "[") || strings.HasSuffix(addr, "]") {
		if !strings.HasPrefix(addr, "[") || !strings.HasSuffix(addr, "]") {
			return "", fmt.Errorf("unbalanced brackets in address %q", addr)
		}
		inner := addr[1 : len(addr)-1]
		ip, err := netip.ParseAddr(inner)
		if err != nil || !ip.Is6() {
			return "", fmt.Errorf("bracketed address %q is not IPv6", addr)
		}
		return ip.String(), nil
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return "", fmt.Errorf("address %q is neither IPv4 nor IPv6", addr)
	}
	return ip.String(), nil
}

// MustParse is Parse for literals known to be valid; it panics otherwise.
func MustParse(entry string) PortBinding {
	b, err := Parse(entry)
	if err != nil {
		panic(err)
	}
	return b
}

// ParseAll parses every entry, failing on the first malformed one.
func ParseAll(entries []string) ([]PortBinding, error) {
	out := make([]PortBinding, 0, len(entries))
	for _, entry := range entries {
		b, err := Parse(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// String renders the fully-qualified `address:host:container/protocol` form.
//
// Partial inputs come back qualified ("8006" -> "0.0.0.0:8006:8006/tcp"), so a
// freshly computed list can be compared to what is on disk without false
// mismatches from formatting alone.
func (b PortBinding) String() string {
	proto := b.Protocol
	if proto == "" {
		proto = TCP
	}
	return fmt.Sprintf("%s:%s:%s/%s", formatAddress(b.HostAddress), b.HostPort, b.ContainerPort, proto)
}

func formatAddress(addr string) string {
	if strings.Contains(addr, ":") {
		return "[" + addr + "]"
	}
	return addr
}

// FormatAll renders each binding with String.
func FormatAll(bindings []PortBinding) []string {
	out := make([]string, len(bindings))
	for i, b := range bindings {
		out[i] = b.String()
	}
	return out
}

// IsSingle reports whether both sides of the binding are single ports.
func (b PortBinding) IsSingle() bool {
	return b.HostPort.IsSingle() && b.ContainerPort.IsSingle()
}

// WithHostPort returns a copy bound to a different single host port.
func (b PortBinding) WithHostPort(port int) PortBinding {
	b.HostPort = SinglePort(port)
	return b
}

// WithProtocol returns a copy using proto.
func (b PortBinding) WithProtocol(proto Protocol) PortBinding {
	b.Protocol = proto
	return b
}
