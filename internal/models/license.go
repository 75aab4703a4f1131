// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLicenseNotFound = errors.New("license not found")
)

// LicenseRecord is the persisted license and trial state for one product.
type LicenseRecord struct {
	ProductID      string     `json:"productId"`
	LicenseKey     *string    `json:"licenseKey,omitempty"`
	ActivationID   *string    `json:"activationId,omitempty"`
	CustomerEmail  string     `json:"customerEmail,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Activated      bool       `json:"activated"`
	LastVerifyDate *time.Time `json:"lastVerifyDate,omitempty"`
	TrialStartedAt *time.Time `json:"trialStartedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// HasLicenseKey reports whether a key has been stored.
func (r *LicenseRecord) HasLicenseKey() bool {
	return r != nil && r.LicenseKey != nil && *r.LicenseKey != ""
}

// VerificationEvent is one entry of the verification history.
type VerificationEvent struct {
	ID                string    `json:"id"`
	ProductID         string    `json:"productId"`
	Kind              string    `json:"kind"`
	Outcome           string    `json:"outcome,omitempty"`
	VerificationState string    `json:"verificationState,omitempty"`
	ProductActivated  bool      `json:"productActivated"`
	OnTrial           bool      `json:"onTrial"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}
