// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package checkout implements license.CheckoutService on top of the Polar
// checkout API. Rendering is delegated to a Prompter.
package checkout

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/progate/internal/license"
	"github.com/autobrr/progate/internal/models"
	"github.com/autobrr/progate/internal/polar"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultTimeout      = 15 * time.Minute
)

// LicenseInput is what the user typed into the activation dialog. An empty
// key means the dialog was dismissed.
type LicenseInput struct {
	LicenseKey string
	Email      string
}

// Prompter shows checkout and activation prompts to the user.
type Prompter interface {
	OpenCheckout(ctx context.Context, product license.Product, url string) error
	RequestLicense(ctx context.Context, product license.Product, prefill license.ActivationPrefill) (LicenseInput, error)
	ProductAccess(ctx context.Context, product license.Product) error
}

// Client is the subset of the Polar client used for checkouts.
type Client interface {
	CreateCheckout(ctx context.Context, req polar.CheckoutRequest) (*polar.Checkout, error)
	GetCheckout(ctx context.Context, clientSecret string) (*polar.Checkout, error)
}

// Activator binds a license key to this installation.
type Activator interface {
	Activate(ctx context.Context, licenseKey, email string) (*models.LicenseRecord, error)
}

type Service struct {
	client       Client
	activator    Activator
	prompter     Prompter
	pollInterval time.Duration
	timeout      time.Duration
}

type OptFunc func(*Service)

func WithPollInterval(d time.Duration) OptFunc {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithTimeout(d time.Duration) OptFunc {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewService(client Client, activator Activator, prompter Prompter, opts ...OptFunc) *Service {
	s := &Service{
		client:       client,
		activator:    activator,
		prompter:     prompter,
		pollInterval: DefaultPollInterval,
		timeout:      DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShowCheckout opens a checkout session and waits until it reaches a final
// status or the timeout elapses.
func (s *Service) ShowCheckout(ctx context.Context, product license.Product) (license.CheckoutState, error) {
	co, err := s.client.CreateCheckout(ctx, polar.CheckoutRequest{
		ProductID: product.ProductID,
		Metadata:  map[string]any{"vendor_id": product.VendorID},
	})
	if err != nil {
		return license.CheckoutFailed, errors.Wrap(err, "failed to create checkout")
	}

	if err := s.prompter.OpenCheckout(ctx, product, co.URL); err != nil {
		return license.CheckoutFailed, errors.Wrap(err, "failed to open checkout")
	}

	log.Debug().Str("checkoutId", co.ID).Str("product", product.DisplayName()).Msg("Checkout opened, waiting for completion")

	return s.waitForCheckout(ctx, co)
}

func (s *Service) waitForCheckout(ctx context.Context, co *polar.Checkout) (license.CheckoutState, error) {
	pollCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	last := co
	for !last.Done() {
		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return license.CheckoutAbandoned, ctx.Err()
			}
			if last.Status == polar.CheckoutStatusConfirmed {
				return license.CheckoutSlowOrderProcessing, nil
			}
			return license.CheckoutAbandoned, nil

		case <-ticker.C:
			next, err := s.client.GetCheckout(pollCtx, co.ClientSecret)
			switch {
			case errors.Is(err, polar.ErrCheckoutNotFound):
				return license.CheckoutAbandoned, nil
			case err != nil:
				log.Debug().Err(err).Str("checkoutId", co.ID).Msg("Failed to poll checkout status")
				continue
			}
			last = next
		}
	}

	return checkoutState(last.Status), nil
}

func checkoutState(status string) license.CheckoutState {
	switch status {
	case polar.CheckoutStatusSucceeded:
		return license.CheckoutPurchased
	case polar.CheckoutStatusFailed:
		return license.CheckoutFailed
	case polar.CheckoutStatusExpired:
		return license.CheckoutAbandoned
	case polar.CheckoutStatusConfirmed:
		return license.CheckoutSlowOrderProcessing
	default:
		return license.CheckoutOther
	}
}

// ShowLicenseActivationDialog asks for a license key and activates it.
func (s *Service) ShowLicenseActivationDialog(ctx context.Context, product license.Product, prefill license.ActivationPrefill) (license.ActivationStatus, error) {
	input, err := s.prompter.RequestLicense(ctx, product, prefill)
	if err != nil {
		return license.ActivationFailed, err
	}
	if input.LicenseKey == "" {
		return license.ActivationAbandoned, nil
	}

	if _, err := s.activator.Activate(ctx, input.LicenseKey, input.Email); err != nil {
		return license.ActivationFailed, err
	}

	return license.ActivationActivated, nil
}

func (s *Service) ShowProductAccessDialog(ctx context.Context, product license.Product) error {
	return s.prompter.ProductAccess(ctx, product)
}
