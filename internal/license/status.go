// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import "time"

const (
	StatusTrial    = "trial"
	StatusActive   = "active"
	StatusInactive = "inactive"

	ActionManage   = "manage"
	ActionActivate = "activate"
)

// StatusView is what a license widget needs to render itself.
type StatusView struct {
	Status             string     `json:"status"`
	ProductActivated   bool       `json:"productActivated"`
	OnTrial            bool       `json:"onTrial"`
	CanBuy             bool       `json:"canBuy"`
	Action             string     `json:"action"`
	Phase              Phase      `json:"phase"`
	TrialDaysRemaining int        `json:"trialDaysRemaining"`
	LicenseExpiryDate  *time.Time `json:"licenseExpiryDate,omitempty"`
	LastVerifyDate     *time.Time `json:"lastVerifyDate,omitempty"`
}

// Describe builds the view model for a state snapshot. A product on trial
// still offers the purchase button even though pro is enabled.
func Describe(s State) StatusView {
	view := StatusView{
		Status:             StatusInactive,
		ProductActivated:   s.ProductActivated,
		OnTrial:            s.OnTrial,
		CanBuy:             s.OnTrial,
		Action:             ActionActivate,
		Phase:              s.Phase,
		TrialDaysRemaining: s.Record.TrialDaysRemaining,
		LicenseExpiryDate:  s.Record.LicenseExpiryDate,
		LastVerifyDate:     s.Record.LastVerifyDate,
	}

	switch {
	case s.OnTrial:
		view.Status = StatusTrial
	case s.ProductActivated:
		view.Status = StatusActive
		view.Action = ActionManage
	}

	return view
}
