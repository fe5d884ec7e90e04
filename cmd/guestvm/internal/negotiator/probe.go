// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package negotiator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/portmap"
)

// HostProber probes ports by binding a listener on the local machine and
// releasing it straight away.
type HostProber struct {
	lc net.ListenConfig
}

// NewHostProber returns a prober for the local network stack.
func NewHostProber() *HostProber {
	return &HostProber{}
}

// Available binds address:port once per protocol.
//
// A wildcard or empty address binds every interface, which is what the
// container runtime does for the same entry. EADDRINUSE means taken. EACCES
// (a privileged port for an unprivileged user) also means the port cannot
// be used and is reported as taken.
func (p *HostProber) Available(ctx context.Context, address string, port int, protocols []portmap.Protocol) (bool, error) {
	if address == portmap.WildcardAddress {
		address = ""
	}
	hostPort := net.JoinHostPort(address, strconv.Itoa(port))

	for _, proto := range protocols {
		var closeFn func() error
		switch proto {
		case portmap.UDP:
			conn, err := p.lc.ListenPacket(ctx, "udp", hostPort)
			if err != nil {
				return classify(err)
			}
			closeFn = conn.Close
		default:
			ln, err := p.lc.Listen(ctx, "tcp", hostPort)
			if err != nil {
				return classify(err)
			}
			closeFn = ln.Close
		}
		if err := closeFn(); err != nil {
			return false, fmt.Errorf("release probe socket %s/%s: %w", hostPort, proto, err)
		}
	}
	return true, nil
}

func classify(err error) (bool, error) {
	if errors.Is(err, unix.EADDRINUSE) || errors.Is(err, unix.EACCES) {
		return false, nil
	}
	return false, err
}
