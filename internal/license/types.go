// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package license decides whether a product's pro features are enabled.
//
// The Engine owns the activation and trial state for a single product. It
// periodically asks the Scheduler whether the cached Record is stale, calls the
// remote VerificationService when it is, classifies the answer with the Policy
// and applies the resulting transition. All state lives on one goroutine; the
// rest of the program only sees State snapshots and Events.
package license

import (
	"context"
	"time"
)

// Record is the locally cached license and trial information for a product.
type Record struct {
	LicenseCode        *string    `json:"licenseCode,omitempty"`
	LicenseExpiryDate  *time.Time `json:"licenseExpiryDate,omitempty"`
	TrialDaysRemaining int        `json:"trialDaysRemaining"`
	LastVerifyDate     *time.Time `json:"lastVerifyDate,omitempty"`
	Activated          bool       `json:"activated"`
}

// HasLicenseCode reports whether a license code has been redeemed.
func (r Record) HasLicenseCode() bool {
	return r.LicenseCode != nil && *r.LicenseCode != ""
}

// TrialType mirrors the trial modes a product can be configured with.
type TrialType string

const (
	TrialTypeTimeLimited TrialType = "timeLimited"
	TrialTypeNone        TrialType = "none"
)

// Product is the static product configuration handed to collaborators.
type Product struct {
	VendorID    string    `json:"vendorId"`
	ProductID   string    `json:"productId"`
	ProductName string    `json:"productName"`
	VendorName  string    `json:"vendorName"`
	Price       float64   `json:"price"`
	Currency    string    `json:"currency"`
	TrialDays   int       `json:"trialDays"`
	TrialType   TrialType `json:"trialType"`
	TrialText   string    `json:"trialText,omitempty"`
	ImagePath   string    `json:"imagePath,omitempty"`
}

// DisplayName returns the product name, falling back to a generic label.
func (p Product) DisplayName() string {
	if p.ProductName == "" {
		return "product"
	}
	return p.ProductName
}

// Phase is the coarse position of the engine in its state machine.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseChecking      Phase = "checking"
	PhaseIdleEnabled   Phase = "idleEnabled"
	PhaseIdleDisabled  Phase = "idleDisabled"
	PhaseRetryPending  Phase = "retryPending"
)

// State is an immutable snapshot of the engine.
type State struct {
	Phase            Phase     `json:"phase"`
	ProductActivated bool      `json:"productActivated"`
	OnTrial          bool      `json:"onTrial"`
	RetryUnverified  bool      `json:"retryUnverified"`
	Record           Record    `json:"record"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// VerificationState is the raw answer of the verification backend.
type VerificationState string

const (
	VerificationVerified       VerificationState = "verified"
	VerificationNoActivation   VerificationState = "noActivation"
	VerificationUnverified     VerificationState = "unverified"
	VerificationUnableToVerify VerificationState = "unableToVerify"
	VerificationUnknown        VerificationState = "unknown"
)

// CheckoutState is the final state of a checkout flow.
type CheckoutState string

const (
	CheckoutAbandoned           CheckoutState = "abandoned"
	CheckoutFailed              CheckoutState = "failed"
	CheckoutFlagged             CheckoutState = "flagged"
	CheckoutPurchased           CheckoutState = "purchased"
	CheckoutSlowOrderProcessing CheckoutState = "slowOrderProcessing"
	CheckoutOther               CheckoutState = "other"
)

// ActivationStatus is the result of the license activation dialog.
type ActivationStatus string

const (
	ActivationActivated   ActivationStatus = "activated"
	ActivationAbandoned   ActivationStatus = "abandoned"
	ActivationFailed      ActivationStatus = "failed"
	ActivationDeactivated ActivationStatus = "deactivated"
)

// ActivationPrefill carries optional values for the activation dialog.
type ActivationPrefill struct {
	Email       string `json:"email,omitempty"`
	LicenseCode string `json:"licenseCode,omitempty"`
}

// RefreshResult is the latest record pulled from the authority.
// Changed lists the record fields that differ from the previous pull.
type RefreshResult struct {
	Record  Record
	Changed []string
}

// VerificationService is the remote authority for activation state.
type VerificationService interface {
	Refresh(ctx context.Context) (*RefreshResult, error)
	VerifyActivation(ctx context.Context) (VerificationState, error)
}

// CheckoutService drives the purchase and activation prompts.
type CheckoutService interface {
	ShowCheckout(ctx context.Context, product Product) (CheckoutState, error)
	ShowLicenseActivationDialog(ctx context.Context, product Product, prefill ActivationPrefill) (ActivationStatus, error)
	ShowProductAccessDialog(ctx context.Context, product Product) error
}

// Store persists the parts of the record the engine owns.
type Store interface {
	LoadRecord(ctx context.Context) (Record, error)
	SaveVerifyDate(ctx context.Context, at time.Time) error
}
