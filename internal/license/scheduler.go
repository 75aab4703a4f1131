// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import "time"

const (
	DefaultTrustedWindow   = 24 * time.Hour
	DefaultUntrustedWindow = 5 * time.Minute
)

// Scheduler decides when the cached record is stale enough to ask the
// authority again. Activated products are trusted and checked rarely,
// everything else converges quickly.
type Scheduler struct {
	TrustedWindow   time.Duration
	UntrustedWindow time.Duration

	// AlwaysVerify collapses both windows to zero. Local testing only.
	AlwaysVerify bool
}

// NewScheduler returns a scheduler with the default windows.
func NewScheduler(alwaysVerify bool) Scheduler {
	return Scheduler{
		TrustedWindow:   DefaultTrustedWindow,
		UntrustedWindow: DefaultUntrustedWindow,
		AlwaysVerify:    alwaysVerify,
	}
}

// Window returns the allowed staleness for the given trust level.
func (s Scheduler) Window(activated bool) time.Duration {
	if s.AlwaysVerify {
		return 0
	}
	if activated {
		if s.TrustedWindow <= 0 {
			return DefaultTrustedWindow
		}
		return s.TrustedWindow
	}
	if s.UntrustedWindow <= 0 {
		return DefaultUntrustedWindow
	}
	return s.UntrustedWindow
}

// Due reports whether a verification should run at now.
func (s Scheduler) Due(lastVerifyDate *time.Time, activated bool, now time.Time) bool {
	if lastVerifyDate == nil || lastVerifyDate.IsZero() {
		return true
	}
	return now.Sub(*lastVerifyDate) > s.Window(activated)
}
