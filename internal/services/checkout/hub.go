// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package checkout

import (
	"context"

	"github.com/autobrr/progate/internal/license"
	"github.com/autobrr/progate/internal/notify"
)

type CheckoutURLMessage struct {
	ProductID string `json:"productId"`
	URL       string `json:"url"`
}

type ProductAccessMessage struct {
	Product  license.Product    `json:"product"`
	View     license.StatusView `json:"view"`
	CanTrial bool               `json:"canTrial"`
}

// StateSource provides the current engine snapshot for prompts.
type StateSource interface {
	State() license.State
}

// HubPrompter forwards prompts to the notification hub so web clients can
// render them. The license key comes from the API request as the prefill.
type HubPrompter struct {
	hub    *notify.Hub
	source StateSource
}

func NewHubPrompter(hub *notify.Hub) *HubPrompter {
	return &HubPrompter{hub: hub}
}

// SetStateSource attaches the engine once it exists.
func (p *HubPrompter) SetStateSource(source StateSource) {
	p.source = source
}

func (p *HubPrompter) OpenCheckout(_ context.Context, product license.Product, url string) error {
	p.hub.Publish(notify.TypeCheckoutURL, CheckoutURLMessage{ProductID: product.ProductID, URL: url})
	return nil
}

func (p *HubPrompter) RequestLicense(_ context.Context, _ license.Product, prefill license.ActivationPrefill) (LicenseInput, error) {
	return LicenseInput{LicenseKey: prefill.LicenseCode, Email: prefill.Email}, nil
}

func (p *HubPrompter) ProductAccess(_ context.Context, product license.Product) error {
	msg := ProductAccessMessage{
		Product:  product,
		CanTrial: product.TrialType != license.TrialTypeNone,
	}
	if p.source != nil {
		msg.View = license.Describe(p.source.State())
	}

	p.hub.Publish(notify.TypeProductAccess, msg)
	return nil
}
