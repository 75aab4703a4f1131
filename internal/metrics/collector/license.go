// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package collector

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/autobrr/progate/internal/license"
)

// StateSource exposes the engine snapshot.
type StateSource interface {
	State() license.State
	Product() license.Product
}

// LicenseCollector reports the engine state as gauges and counts verification
// outcomes it receives as a license.Notifier.
type LicenseCollector struct {
	source StateSource

	mu       sync.Mutex
	outcomes map[license.Outcome]uint64
	prompts  map[license.Prompt]uint64

	productActivatedDesc   *prometheus.Desc
	onTrialDesc            *prometheus.Desc
	trialDaysRemainingDesc *prometheus.Desc
	lastVerifyDesc         *prometheus.Desc
	retryAvailableDesc     *prometheus.Desc
	phaseDesc              *prometheus.Desc
	outcomesDesc           *prometheus.Desc
	promptsDesc            *prometheus.Desc
}

var phases = []license.Phase{
	license.PhaseUninitialized,
	license.PhaseChecking,
	license.PhaseIdleEnabled,
	license.PhaseIdleDisabled,
	license.PhaseRetryPending,
}

func NewLicenseCollector(source StateSource) *LicenseCollector {
	labels := []string{"product_id"}

	return &LicenseCollector{
		source:   source,
		outcomes: make(map[license.Outcome]uint64),
		prompts:  make(map[license.Prompt]uint64),

		productActivatedDesc: prometheus.NewDesc(
			"progate_license_product_activated",
			"Whether pro features are enabled (1) or disabled (0)",
			labels, nil,
		),
		onTrialDesc: prometheus.NewDesc(
			"progate_license_on_trial",
			"Whether the product is running on a trial",
			labels, nil,
		),
		trialDaysRemainingDesc: prometheus.NewDesc(
			"progate_license_trial_days_remaining",
			"Whole trial days left",
			labels, nil,
		),
		lastVerifyDesc: prometheus.NewDesc(
			"progate_license_last_verify_timestamp_seconds",
			"Unix time of the last definitive verification answer",
			labels, nil,
		),
		retryAvailableDesc: prometheus.NewDesc(
			"progate_license_retry_available",
			"Whether the single retry for an ambiguous revocation is still unused",
			labels, nil,
		),
		phaseDesc: prometheus.NewDesc(
			"progate_license_phase",
			"Current engine phase, 1 for the active phase",
			[]string{"product_id", "phase"}, nil,
		),
		outcomesDesc: prometheus.NewDesc(
			"progate_license_verifications_total",
			"Verification results by outcome",
			[]string{"product_id", "outcome"}, nil,
		),
		promptsDesc: prometheus.NewDesc(
			"progate_license_prompts_total",
			"Dialogs requested by the engine",
			[]string{"product_id", "prompt"}, nil,
		),
	}
}

// Notify implements license.Notifier.
func (c *LicenseCollector) Notify(ev license.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case license.EventOutcome:
		c.outcomes[ev.Outcome]++
	case license.EventPrompt:
		c.prompts[ev.Prompt]++
	}
}

func (c *LicenseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.productActivatedDesc
	ch <- c.onTrialDesc
	ch <- c.trialDaysRemainingDesc
	ch <- c.lastVerifyDesc
	ch <- c.retryAvailableDesc
	ch <- c.phaseDesc
	ch <- c.outcomesDesc
	ch <- c.promptsDesc
}

func (c *LicenseCollector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		return
	}

	state := c.source.State()
	productID := c.source.Product().ProductID

	ch <- prometheus.MustNewConstMetric(c.productActivatedDesc, prometheus.GaugeValue, boolToFloat(state.ProductActivated), productID)
	ch <- prometheus.MustNewConstMetric(c.onTrialDesc, prometheus.GaugeValue, boolToFloat(state.OnTrial), productID)
	ch <- prometheus.MustNewConstMetric(c.trialDaysRemainingDesc, prometheus.GaugeValue, float64(state.Record.TrialDaysRemaining), productID)
	ch <- prometheus.MustNewConstMetric(c.retryAvailableDesc, prometheus.GaugeValue, boolToFloat(state.RetryUnverified), productID)

	if state.Record.LastVerifyDate != nil {
		ch <- prometheus.MustNewConstMetric(c.lastVerifyDesc, prometheus.GaugeValue, float64(state.Record.LastVerifyDate.Unix()), productID)
	}

	for _, phase := range phases {
		ch <- prometheus.MustNewConstMetric(c.phaseDesc, prometheus.GaugeValue, boolToFloat(state.Phase == phase), productID, string(phase))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for outcome, n := range c.outcomes {
		ch <- prometheus.MustNewConstMetric(c.outcomesDesc, prometheus.CounterValue, float64(n), productID, string(outcome))
	}
	for prompt, n := range c.prompts {
		ch <- prometheus.MustNewConstMetric(c.promptsDesc, prometheus.CounterValue, float64(n), productID, string(prompt))
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
