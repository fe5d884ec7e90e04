// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package negotiator resolves host-port collisions before a specification is
// applied.
//
// Given the desired bindings of the guest service, the Negotiator checks each
// host port against the local machine, moves taken ports to the first free
// port in a bounded window above the original, and keeps the remote-desktop
// TCP and UDP entries on one shared host port.
//
// # Racing Other Processes
//
// A probe is a snapshot. Another process may take a port between the probe
// and the moment the container runtime binds it. That failure surfaces from
// the runtime adapter as a BindError and is never reported as a negotiation
// failure.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/portmap"
	"github.com/AleutianAI/guestvm/pkg/logging"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// RDPPort is the guest port of the remote-desktop service.
	RDPPort = 3389

	// DefaultSearchRange bounds the forward scan for a replacement port and is
	// the minimum distance kept between a relocated port and every other
	// accepted port.
	DefaultSearchRange = 100

	// DefaultSpacing is how far a relocated port is pushed when it lands
	// within DefaultSearchRange of an already accepted port.
	DefaultSpacing = 1000

	// DefaultMaxShifts caps the spacing shifts for one binding.
	DefaultMaxShifts = 8

	maxPort = 65535
)

// Mode selects whether host ports are probed.
type Mode int

const (
	// ModeProbe binds a socket on every candidate port. Used at install time.
	ModeProbe Mode = iota

	// ModeStatic trusts the desired ports as written. Used when the container
	// already runs and therefore holds its ports.
	ModeStatic
)

func (m Mode) String() string {
	if m == ModeStatic {
		return "static"
	}
	return "probe"
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrPortsExhausted is matched by every ExhaustedError.
	ErrPortsExhausted = errors.New("no free host port")

	// ErrRDPMismatch means the remote-desktop TCP and UDP entries disagree on
	// the host port.
	ErrRDPMismatch = errors.New("remote-desktop tcp and udp host ports differ")
)

// ExhaustedError reports that no usable host port was found for a binding.
type ExhaustedError struct {
	GuestPort int
	HostPort  int
	From      int
	To        int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v for guest port %d: %d taken, nothing free in %d-%d",
		ErrPortsExhausted, e.GuestPort, e.HostPort, e.From, e.To)
}

func (e *ExhaustedError) Unwrap() error {
	return ErrPortsExhausted
}

// =============================================================================
// Interfaces
// =============================================================================

// PortProber reports whether a host port can be bound for every protocol.
//
// Implementations return (false, nil) for a port that is in use. An error is
// reserved for probes that could not be carried out at all.
type PortProber interface {
	Available(ctx context.Context, address string, port int, protocols []portmap.Protocol) (bool, error)
}

// Recorder receives negotiation outcomes. metrics.Metrics implements it.
type Recorder interface {
	ObserveNegotiation(mode string, remapped int)
	ObserveExhaustion()
}

type nopRecorder struct{}

func (nopRecorder) ObserveNegotiation(string, int) {}
func (nopRecorder) ObserveExhaustion()             {}

// =============================================================================
// Results
// =============================================================================

// Table maps a guest port to the host port it is published on.
type Table map[int]int

// HostPort returns the host port for guest, if known.
func (t Table) HostPort(guest int) (int, bool) {
	port, ok := t[guest]
	return port, ok
}

// Clone returns an independent copy. A nil table stays nil.
func (t Table) Clone() Table {
	if t == nil {
		return nil
	}
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// GuestPorts returns the guest ports in ascending order.
func (t Table) GuestPorts() []int {
	out := make([]int, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// Remap records one relocated binding.
type Remap struct {
	GuestPort int
	From      int
	To        int
}

// Result is the outcome of a negotiation.
type Result struct {
	// Table maps guest ports to host ports for single-port bindings.
	Table Table

	// Bindings is the final list in specification order.
	Bindings []portmap.PortBinding

	// Entries is Bindings in fully-qualified textual form.
	Entries []string

	// Remapped lists every binding moved off its desired host port.
	Remapped []Remap
}

// =============================================================================
// Negotiator
// =============================================================================

// Config configures a Negotiator. Zero values take the defaults.
type Config struct {
	SearchRange int
	Spacing     int
	MaxShifts   int
	Prober      PortProber
	Recorder    Recorder
	Logger      *logging.Logger
}

// Negotiator resolves host ports for a list of bindings. It holds no per-run
// state and is safe for concurrent use.
type Negotiator struct {
	searchRange int
	spacing     int
	maxShifts   int
	prober      PortProber
	recorder    Recorder
	logger      *logging.Logger
}

// New creates a Negotiator.
func New(cfg Config) *Negotiator {
	n := &Negotiator{
		searchRange: cfg.SearchRange,
		spacing:     cfg.Spacing,
		maxShifts:   cfg.MaxShifts,
		prober:      cfg.Prober,
		recorder:    cfg.Recorder,
		logger:      cfg.Logger,
	}
	if n.searchRange <= 0 {
		n.searchRange = DefaultSearchRange
	}
	if n.spacing <= 0 {
		n.spacing = DefaultSpacing
	}
	if n.maxShifts <= 0 {
		n.maxShifts = DefaultMaxShifts
	}
	if n.prober == nil {
		n.prober = NewHostProber()
	}
	if n.recorder == nil {
		n.recorder = nopRecorder{}
	}
	if n.logger == nil {
		n.logger = logging.Discard()
	}
	return n
}

// SearchRange returns the configured window size.
func (n *Negotiator) SearchRange() int { return n.searchRange }

// Negotiate resolves the host port of every binding.
//
// # Description
//
// Bindings are processed in order. Range bindings are kept verbatim. The
// first remote-desktop binding (guest port 3389) is resolved for TCP and UDP
// together and emitted as a /tcp and a /udp entry at its position; later
// remote-desktop entries are folded into it. In ModeProbe a taken port is
// replaced by the first free port in port+1..port+SearchRange. A relocated
// port closer than SearchRange to an accepted port is pushed forward by
// Spacing and probed again.
//
// # Inputs
//
//   - ctx: Cancels an in-flight scan
//   - bindings: Desired bindings, usually Specification.PortBindings()
//   - mode: ModeProbe or ModeStatic
//
// # Outputs
//
//   - *Result: Final table, bindings and entries
//   - error: ErrRDPMismatch, *ExhaustedError, a probe error or ctx.Err()
//
// # Example
//
//	res, err := n.Negotiate(ctx, spec.PortBindings(), negotiator.ModeProbe)
//	if errors.Is(err, negotiator.ErrPortsExhausted) {
//	    return fmt.Errorf("free some ports and retry: %w", err)
//	}
//	spec = spec.WithPorts(res.Entries)
func (n *Negotiator) Negotiate(ctx context.Context, bindings []portmap.PortBinding, mode Mode) (*Result, error) {
	if err := CheckRDPSymmetry(bindings); err != nil {
		return nil, err
	}

	run := &negotiation{
		Negotiator: n,
		mode:       mode,
		accepted:   make(map[int]bool),
		result:     &Result{Table: make(Table)},
	}

	rdpDone := false
	for _, b := range bindings {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch {
		case !b.IsSingle():
			run.result.Bindings = append(run.result.Bindings, b)

		case b.ContainerPort.Start == RDPPort:
			if rdpDone {
				continue
			}
			rdpDone = true
			host, err := run.resolve(ctx, b, []portmap.Protocol{portmap.TCP, portmap.UDP})
			if err != nil {
				return nil, err
			}
			run.result.Bindings = append(run.result.Bindings,
				b.WithHostPort(host).WithProtocol(portmap.TCP),
				b.WithHostPort(host).WithProtocol(portmap.UDP))
			run.result.Table[RDPPort] = host

		default:
			host, err := run.resolve(ctx, b, []portmap.Protocol{b.Protocol})
			if err != nil {
				return nil, err
			}
			run.result.Bindings = append(run.result.Bindings, b.WithHostPort(host))
			if _, seen := run.result.Table[b.ContainerPort.Start]; !seen {
				run.result.Table[b.ContainerPort.Start] = host
			}
		}
	}

	run.result.Entries = portmap.FormatAll(run.result.Bindings)
	n.recorder.ObserveNegotiation(mode.String(), len(run.result.Remapped))
	n.logger.Info("port negotiation finished",
		"mode", mode.String(),
		"bindings", len(run.result.Bindings),
		"remapped", len(run.result.Remapped))
	return run.result, nil
}

// negotiation carries the state of one Negotiate call.
type negotiation struct {
	*Negotiator
	mode     Mode
	accepted map[int]bool
	result   *Result
}

// resolve keeps a free desired port as is. Only relocated candidates are
// held apart from the ports accepted so far.
func (r *negotiation) resolve(ctx context.Context, b portmap.PortBinding, protocols []portmap.Protocol) (int, error) {
	desired := b.HostPort.Start
	guest := b.ContainerPort.Start

	if r.mode == ModeStatic {
		r.accepted[desired] = true
		return desired, nil
	}

	free, err := r.usable(ctx, b.HostAddress, desired, protocols)
	if err != nil {
		return 0, err
	}
	if free {
		r.accepted[desired] = true
		return desired, nil
	}

	candidate, err := r.scan(ctx, b.HostAddress, desired, protocols)
	if err != nil {
		return 0, err
	}
	if candidate == 0 {
		return 0, r.exhausted(guest, desired, desired+1, desired+r.searchRange)
	}

	for shifts := 0; r.clustered(candidate); shifts++ {
		if shifts >= r.maxShifts {
			return 0, r.exhausted(guest, desired, desired+1, candidate)
		}
		base := candidate + r.spacing
		if base > maxPort {
			return 0, r.exhausted(guest, desired, desired+1, maxPort)
		}
		r.logger.Debug("relocated port too close to another binding, shifting",
			"guest_port", guest, "candidate", candidate, "shifted", base)

		ok, err := r.usable(ctx, b.HostAddress, base, protocols)
		if err != nil {
			return 0, err
		}
		if ok {
			candidate = base
			continue
		}
		if candidate, err = r.scan(ctx, b.HostAddress, base, protocols); err != nil {
			return 0, err
		}
		if candidate == 0 {
			return 0, r.exhausted(guest, desired, base+1, base+r.searchRange)
		}
	}

	r.accepted[candidate] = true
	r.result.Remapped = append(r.result.Remapped, Remap{GuestPort: guest, From: desired, To: candidate})
	r.logger.Info("host port taken, remapped",
		"guest_port", guest, "from", desired, "to", candidate)
	return candidate, nil
}

// scan returns the first usable port in from+1..from+searchRange, or 0.
func (r *negotiation) scan(ctx context.Context, address string, from int, protocols []portmap.Protocol) (int, error) {
	for port := from + 1; port <= from+r.searchRange && port <= maxPort; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		ok, err := r.usable(ctx, address, port, protocols)
		if err != nil {
			return 0, err
		}
		if ok {
			return port, nil
		}
	}
	return 0, nil
}

// usable is true when the port is not already handed out in this run and
// the prober reports it free.
func (r *negotiation) usable(ctx context.Context, address string, port int, protocols []portmap.Protocol) (bool, error) {
	if r.accepted[port] {
		return false, nil
	}
	ok, err := r.prober.Available(ctx, address, port, protocols)
	if err != nil {
		return false, fmt.Errorf("probe port %d: %w", port, err)
	}
	return ok, nil
}

// clustered reports whether port lies within searchRange of an accepted port.
func (r *negotiation) clustered(port int) bool {
	for accepted := range r.accepted {
		d := port - accepted
		if d < 0 {
			d = -d
		}
		if d <= r.searchRange {
			return true
		}
	}
	return false
}

func (r *negotiation) exhausted(guest, host, from, to int) error {
	r.recorder.ObserveExhaustion()
	err := &ExhaustedError{GuestPort: guest, HostPort: host, From: from, To: to}
	r.logger.Error("port negotiation failed", "error", err)
	return err
}

// CheckRDPSymmetry rejects bindings whose remote-desktop entries do not all
// share one host port.
func CheckRDPSymmetry(bindings []portmap.PortBinding) error {
	host := 0
	for _, b := range bindings {
		if !b.ContainerPort.IsSingle() || b.ContainerPort.Start != RDPPort {
			continue
		}
		if !b.HostPort.IsSingle() {
			return fmt.Errorf("%w: range %s", ErrRDPMismatch, b.HostPort)
		}
		if host == 0 {
			host = b.HostPort.Start
			continue
		}
		if b.HostPort.Start != host {
			return fmt.Errorf("%w: %d and %d", ErrRDPMismatch, host, b.HostPort.Start)
		}
	}
	return nil
}
