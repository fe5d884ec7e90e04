// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/portmap"
)

// ParsePortOutput parses the output of `<runtime> port <name>`:
//
//	3389/tcp -> 0.0.0.0:3390
//	3389/tcp -> [::]:3390
//	8006/tcp -> 127.0.0.1:8006
//
// A container port published on both the IPv4 and IPv6 wildcard is listed
// twice; only the first line per (container port, protocol, host port) is
// kept.
func ParsePortOutput(out string) ([]portmap.PortBinding, error) {
	type key struct {
		container int
		proto     portmap.Protocol
		host      int
	}
	seen := make(map[key]bool)
	var bindings []portmap.PortBinding

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		container, host, ok := strings.Cut(line, "->")
		if !ok {
			return nil, fmt.Errorf("unexpected port line %q", line)
		}

		containerSpec := strings.TrimSpace(container)
		proto := portmap.TCP
		if port, p, found := strings.Cut(containerSpec, "/"); found {
			containerSpec, proto = port, portmap.Protocol(p)
		}

		// host is "addr:port"; the last colon separates them.
		host = strings.TrimSpace(host)
		idx := strings.LastIndex(host, ":")
		if idx < 0 {
			return nil, fmt.Errorf("unexpected port line %q", line)
		}
		entry := fmt.Sprintf("%s:%s:%s/%s", host[:idx], host[idx+1:], containerSpec, proto)
		if host[:idx] == "::" {
			entry = fmt.Sprintf("[::]:%s:%s/%s", host[idx+1:], containerSpec, proto)
		}

		b, err := portmap.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("port line %q: %w", line, err)
		}
		k := key{b.ContainerPort.Start, b.Protocol, b.HostPort.Start}
		if seen[k] {
			continue
		}
		seen[k] = true
		bindings = append(bindings, b)
	}
	return bindings, nil
}
