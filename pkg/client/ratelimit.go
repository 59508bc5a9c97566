// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"fmt"
	"time"
)

// AccountClass describes the trust level the server grants an account,
// which determines how fast it may send.
type AccountClass string

const (
	AccountRegular   AccountClass = "regular"
	AccountTrusted   AccountClass = "trusted"
	AccountPublicBot AccountClass = "public-bot"
)

// RateProfile maps an account class to the server's send throttle. The
// server silently drops messages sent faster than BaseInterval; QueueDepth
// is how many messages it buffers before doing so, and BaseInterval ×
// QueueDepth is the safe delay for commands known to be processed slowly.
type RateProfile struct {
	BaseInterval time.Duration
	QueueDepth   int
}

// ProfileFor returns the rate profile for an account class. Unknown
// classes get the regular-user profile, the safest choice.
func ProfileFor(class AccountClass) RateProfile {
	switch class {
	case AccountPublicBot:
		return RateProfile{BaseInterval: 25 * time.Millisecond, QueueDepth: 6}
	case AccountTrusted:
		return RateProfile{BaseInterval: 100 * time.Millisecond, QueueDepth: 6}
	default:
		return RateProfile{BaseInterval: 600 * time.Millisecond, QueueDepth: 6}
	}
}

// ParseAccountClass validates a configured account class string.
func ParseAccountClass(s string) (AccountClass, error) {
	switch AccountClass(s) {
	case AccountRegular, AccountTrusted, AccountPublicBot:
		return AccountClass(s), nil
	case "":
		return AccountRegular, nil
	default:
		return "", fmt.Errorf("unknown account class %q", s)
	}
}

// BacklogDelay is the pacing value for slower commands and for recovery
// after a missed echo.
func (p RateProfile) BacklogDelay() time.Duration {
	return p.BaseInterval * time.Duration(p.QueueDepth)
}

// Upgrade replaces the profile with other only if other is faster. The
// server may confirm a higher-trust role mid-session (e.g. the bot rank is
// applied after login); it never revokes one without a disconnect, so a
// downgrade is never applied.
func (p *RateProfile) Upgrade(other RateProfile) bool {
	if other.BaseInterval >= p.BaseInterval {
		return false
	}
	*p = other
	return true
}

// measurementCap bounds the round-trip history; old samples stop being
// representative once the server's load has moved on.
const measurementCap = 30

// MeasurementWindow is a bounded history of observed round-trip times,
// newest first. It is not safe for concurrent use; the outgoing pipeline
// owns it and serializes access.
type MeasurementWindow struct {
	samples []time.Duration
}

// Push records a round trip, evicting the oldest sample past the cap.
func (w *MeasurementWindow) Push(rtt time.Duration) {
	w.samples = append([]time.Duration{rtt}, w.samples...)
	if len(w.samples) > measurementCap {
		w.samples = w.samples[:measurementCap]
	}
}

// RollingAverage returns the mean of the recorded round trips, or zero for
// an empty window.
func (w *MeasurementWindow) RollingAverage() time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range w.samples {
		total += s
	}
	return total / time.Duration(len(w.samples))
}

// Samples returns a copy of the recorded round trips, newest first.
func (w *MeasurementWindow) Samples() []time.Duration {
	cp := make([]time.Duration, len(w.samples))
	copy(cp, w.samples)
	return cp
}

// Len returns the number of recorded samples.
func (w *MeasurementWindow) Len() int {
	return len(w.samples)
}
