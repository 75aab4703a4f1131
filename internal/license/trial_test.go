// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func TestTrialActive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{
			name: "no days left without code",
			rec:  Record{TrialDaysRemaining: 0},
			want: false,
		},
		{
			name: "no days left with code",
			rec:  Record{TrialDaysRemaining: 0, LicenseCode: strPtr("ABCD-1234")},
			want: false,
		},
		{
			name: "no days left with expired code",
			rec: Record{
				TrialDaysRemaining: 0,
				LicenseCode:        strPtr("ABCD-1234"),
				LicenseExpiryDate:  timePtr(now.Add(-time.Hour)),
			},
			want: false,
		},
		{
			name: "days left without code",
			rec:  Record{TrialDaysRemaining: 3},
			want: true,
		},
		{
			name: "days left with empty code",
			rec:  Record{TrialDaysRemaining: 3, LicenseCode: strPtr("")},
			want: true,
		},
		{
			name: "days left with valid code",
			rec: Record{
				TrialDaysRemaining: 3,
				LicenseCode:        strPtr("ABCD-1234"),
				LicenseExpiryDate:  timePtr(now.Add(24 * time.Hour)),
			},
			want: false,
		},
		{
			name: "days left with perpetual code",
			rec:  Record{TrialDaysRemaining: 3, LicenseCode: strPtr("ABCD-1234")},
			want: false,
		},
		{
			name: "days left with expired code",
			rec: Record{
				TrialDaysRemaining: 3,
				LicenseCode:        strPtr("ABCD-1234"),
				LicenseExpiryDate:  timePtr(now.Add(-time.Minute)),
			},
			want: true,
		},
		{
			name: "negative days",
			rec:  Record{TrialDaysRemaining: -2},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TrialActive(tt.rec, now))
		})
	}
}

func TestTrialDaysRemaining(t *testing.T) {
	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		trialType TrialType
		days      int
		started   time.Time
		now       time.Time
		want      int
	}{
		{"first launch", TrialTypeTimeLimited, 7, start, start, 7},
		{"partial day does not count", TrialTypeTimeLimited, 7, start, start.Add(23 * time.Hour), 7},
		{"two days in", TrialTypeTimeLimited, 7, start, start.Add(49 * time.Hour), 5},
		{"exhausted", TrialTypeTimeLimited, 7, start, start.Add(30 * 24 * time.Hour), 0},
		{"clock moved backwards", TrialTypeTimeLimited, 7, start, start.Add(-48 * time.Hour), 7},
		{"no trial type", TrialTypeNone, 7, start, start, 0},
		{"zero trial days", TrialTypeTimeLimited, 0, start, start, 0},
		{"never started", TrialTypeTimeLimited, 7, time.Time{}, start, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TrialDaysRemaining(tt.trialType, tt.days, tt.started, tt.now))
		})
	}
}
