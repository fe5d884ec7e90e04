// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import "time"

// Floors and defaults for the external calls guestvm makes.
const (
	MinHTTPTimeout    = 1 * time.Second
	MinQMPTimeout     = 500 * time.Millisecond
	MinProcessTimeout = 5 * time.Second

	DefaultHTTPTimeout    = 10 * time.Second
	DefaultQMPTimeout     = 5 * time.Second
	DefaultProcessTimeout = 1 * time.Minute
	DefaultComposeTimeout = 10 * time.Minute
)

// Timeouts groups the per-call budgets.
type Timeouts struct {
	HTTP    time.Duration
	QMP     time.Duration
	Process time.Duration
	Compose time.Duration
}

// DefaultTimeouts returns the production budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		HTTP:    DefaultHTTPTimeout,
		QMP:     DefaultQMPTimeout,
		Process: DefaultProcessTimeout,
		Compose: DefaultComposeTimeout,
	}
}

// Validated fills zero values with defaults and raises anything below the
// floor to the floor.
func (t Timeouts) Validated() Timeouts {
	return Timeouts{
		HTTP:    EnforceMinTimeout(EnforceDefaultTimeout(t.HTTP, DefaultHTTPTimeout), MinHTTPTimeout),
		QMP:     EnforceMinTimeout(EnforceDefaultTimeout(t.QMP, DefaultQMPTimeout), MinQMPTimeout),
		Process: EnforceMinTimeout(EnforceDefaultTimeout(t.Process, DefaultProcessTimeout), MinProcessTimeout),
		Compose: EnforceMinTimeout(EnforceDefaultTimeout(t.Compose, DefaultComposeTimeout), MinProcessTimeout),
	}
}

// EnforceMinTimeout returns minimum when requested is unset or too small.
func EnforceMinTimeout(requested, minimum time.Duration) time.Duration {
	if requested < minimum {
		return minimum
	}
	return requested
}

// EnforceDefaultTimeout returns defaultVal when requested is unset.
func EnforceDefaultTimeout(requested, defaultVal time.Duration) time.Duration {
	if requested <= 0 {
		return defaultVal
	}
	return requested
}
