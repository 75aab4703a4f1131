// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import "time"

// Expired reports whether the record carries an expiry date in the past.
func Expired(rec Record, now time.Time) bool {
	return rec.LicenseExpiryDate != nil && rec.LicenseExpiryDate.Before(now)
}

// TrialActive reports whether trial access applies to the record at now.
// A trial only counts while days remain and no unexpired license has been redeemed.
func TrialActive(rec Record, now time.Time) bool {
	if rec.TrialDaysRemaining <= 0 {
		return false
	}
	return !rec.HasLicenseCode() || Expired(rec, now)
}

// TrialDaysRemaining computes the remaining whole trial days for a trial that
// started at startedAt. The result never goes below zero.
func TrialDaysRemaining(trialType TrialType, trialDays int, startedAt, now time.Time) int {
	if trialType == TrialTypeNone || trialDays <= 0 || startedAt.IsZero() {
		return 0
	}

	elapsed := now.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	remaining := trialDays - int(elapsed/(24*time.Hour))
	if remaining < 0 {
		return 0
	}
	return remaining
}
