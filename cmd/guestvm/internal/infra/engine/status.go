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

import "strings"

// NormalizeStatus maps a runtime's native state string to Status.
// Unrecognized strings, and unknown runtimes, map to StatusUnknown.
func NormalizeStatus(kind Kind, native string) Status {
	switch kind {
	case Docker:
		return normalize(dockerStatuses, native)
	case Podman:
		return normalize(podmanStatuses, native)
	}
	return StatusUnknown
}

func normalize(table map[string]Status, native string) Status {
	if s, ok := table[strings.ToLower(strings.TrimSpace(native))]; ok {
		return s
	}
	return StatusUnknown
}

// IsRunning reports whether s is StatusRunning.
func (s Status) IsRunning() bool {
	return s == StatusRunning
}
