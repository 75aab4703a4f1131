// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package checkout

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/progate/internal/license"
	"github.com/autobrr/progate/internal/models"
	"github.com/autobrr/progate/internal/notify"
	"github.com/autobrr/progate/internal/polar"
)

type fakeClient struct {
	mu        sync.Mutex
	createErr error
	statuses  []string
	getErr    error
	polls     int
}

func (f *fakeClient) CreateCheckout(_ context.Context, req polar.CheckoutRequest) (*polar.Checkout, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &polar.Checkout{
		ID:           "co-1",
		ClientSecret: "secret",
		URL:          "https://polar.test/checkout/" + req.ProductID,
		Status:       polar.CheckoutStatusOpen,
	}, nil
}

func (f *fakeClient) GetCheckout(_ context.Context, clientSecret string) (*polar.Checkout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.polls++
	if f.getErr != nil {
		return nil, f.getErr
	}

	status := polar.CheckoutStatusOpen
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	return &polar.Checkout{ID: "co-1", ClientSecret: clientSecret, Status: status}, nil
}

type fakeActivator struct {
	err   error
	key   string
	email string
}

func (f *fakeActivator) Activate(_ context.Context, licenseKey, email string) (*models.LicenseRecord, error) {
	f.key = licenseKey
	f.email = email
	if f.err != nil {
		return nil, f.err
	}
	return &models.LicenseRecord{LicenseKey: &licenseKey, Activated: true}, nil
}

type fakePrompter struct {
	url     string
	openErr error
	input   LicenseInput
	access  int
}

func (f *fakePrompter) OpenCheckout(_ context.Context, _ license.Product, url string) error {
	f.url = url
	return f.openErr
}

func (f *fakePrompter) RequestLicense(_ context.Context, _ license.Product, prefill license.ActivationPrefill) (LicenseInput, error) {
	if f.input.LicenseKey == "" {
		return LicenseInput{LicenseKey: prefill.LicenseCode, Email: prefill.Email}, nil
	}
	return f.input, nil
}

func (f *fakePrompter) ProductAccess(context.Context, license.Product) error {
	f.access++
	return nil
}

var product = license.Product{ProductID: "prod-1", ProductName: "Progate Pro", TrialDays: 7, TrialType: license.TrialTypeTimeLimited}

func newService(client *fakeClient, activator *fakeActivator, prompter *fakePrompter, timeout time.Duration) *Service {
	return NewService(client, activator, prompter, WithPollInterval(time.Millisecond), WithTimeout(timeout))
}

func TestShowCheckout(t *testing.T) {
	tests := []struct {
		name     string
		client   *fakeClient
		timeout  time.Duration
		want     license.CheckoutState
		wantErr  bool
		minPolls int
	}{
		{
			name:     "purchased",
			client:   &fakeClient{statuses: []string{polar.CheckoutStatusOpen, polar.CheckoutStatusConfirmed, polar.CheckoutStatusSucceeded}},
			timeout:  time.Second,
			want:     license.CheckoutPurchased,
			minPolls: 3,
		},
		{
			name:    "payment failed",
			client:  &fakeClient{statuses: []string{polar.CheckoutStatusFailed}},
			timeout: time.Second,
			want:    license.CheckoutFailed,
		},
		{
			name:    "expired",
			client:  &fakeClient{statuses: []string{polar.CheckoutStatusExpired}},
			timeout: time.Second,
			want:    license.CheckoutAbandoned,
		},
		{
			name:    "confirmed but not settled",
			client:  &fakeClient{statuses: []string{polar.CheckoutStatusConfirmed}},
			timeout: 20 * time.Millisecond,
			want:    license.CheckoutSlowOrderProcessing,
		},
		{
			name:    "never completed",
			client:  &fakeClient{},
			timeout: 20 * time.Millisecond,
			want:    license.CheckoutAbandoned,
		},
		{
			name:    "checkout disappeared",
			client:  &fakeClient{getErr: polar.ErrCheckoutNotFound},
			timeout: time.Second,
			want:    license.CheckoutAbandoned,
		},
		{
			name:    "polling keeps failing",
			client:  &fakeClient{getErr: polar.ErrServerError},
			timeout: 20 * time.Millisecond,
			want:    license.CheckoutAbandoned,
		},
		{
			name:    "create fails",
			client:  &fakeClient{createErr: polar.ErrBadRequestData},
			timeout: time.Second,
			want:    license.CheckoutFailed,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompter := &fakePrompter{}
			svc := newService(tt.client, &fakeActivator{}, prompter, tt.timeout)

			state, err := svc.ShowCheckout(context.Background(), product)
			assert.Equal(t, tt.want, state)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "https://polar.test/checkout/prod-1", prompter.url)
			assert.GreaterOrEqual(t, tt.client.polls, tt.minPolls)
		})
	}
}

func TestShowCheckoutPromptFailure(t *testing.T) {
	svc := newService(&fakeClient{}, &fakeActivator{}, &fakePrompter{openErr: errors.New("no browser")}, time.Second)

	state, err := svc.ShowCheckout(context.Background(), product)
	assert.Equal(t, license.CheckoutFailed, state)
	assert.Error(t, err)
}

func TestShowCheckoutCancelled(t *testing.T) {
	svc := newService(&fakeClient{}, &fakeActivator{}, &fakePrompter{}, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	state, err := svc.ShowCheckout(ctx, product)
	assert.Equal(t, license.CheckoutAbandoned, state)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckoutState(t *testing.T) {
	assert.Equal(t, license.CheckoutPurchased, checkoutState(polar.CheckoutStatusSucceeded))
	assert.Equal(t, license.CheckoutFailed, checkoutState(polar.CheckoutStatusFailed))
	assert.Equal(t, license.CheckoutAbandoned, checkoutState(polar.CheckoutStatusExpired))
	assert.Equal(t, license.CheckoutSlowOrderProcessing, checkoutState(polar.CheckoutStatusConfirmed))
	assert.Equal(t, license.CheckoutOther, checkoutState("mystery"))
}

func TestShowLicenseActivationDialog(t *testing.T) {
	ctx := context.Background()

	t.Run("dismissed", func(t *testing.T) {
		activator := &fakeActivator{}
		svc := newService(&fakeClient{}, activator, &fakePrompter{}, time.Second)

		status, err := svc.ShowLicenseActivationDialog(ctx, product, license.ActivationPrefill{})
		require.NoError(t, err)
		assert.Equal(t, license.ActivationAbandoned, status)
		assert.Empty(t, activator.key)
	})

	t.Run("activated from prefill", func(t *testing.T) {
		activator := &fakeActivator{}
		svc := newService(&fakeClient{}, activator, &fakePrompter{}, time.Second)

		status, err := svc.ShowLicenseActivationDialog(ctx, product, license.ActivationPrefill{LicenseCode: "KEY-1", Email: "a@b.c"})
		require.NoError(t, err)
		assert.Equal(t, license.ActivationActivated, status)
		assert.Equal(t, "KEY-1", activator.key)
		assert.Equal(t, "a@b.c", activator.email)
	})

	t.Run("backend rejects key", func(t *testing.T) {
		activator := &fakeActivator{err: polar.ErrActivationLimitExceeded}
		svc := newService(&fakeClient{}, activator, &fakePrompter{input: LicenseInput{LicenseKey: "KEY-2"}}, time.Second)

		status, err := svc.ShowLicenseActivationDialog(ctx, product, license.ActivationPrefill{})
		assert.ErrorIs(t, err, polar.ErrActivationLimitExceeded)
		assert.Equal(t, license.ActivationFailed, status)
	})
}

type staticState struct{ state license.State }

func (s staticState) State() license.State { return s.state }

func TestHubPrompter(t *testing.T) {
	ctx := context.Background()
	hub := notify.NewHub(10)
	p := NewHubPrompter(hub)
	p.SetStateSource(staticState{state: license.State{OnTrial: true, ProductActivated: true}})

	require.NoError(t, p.OpenCheckout(ctx, product, "https://polar.test/co"))
	require.NoError(t, p.ProductAccess(ctx, product))

	input, err := p.RequestLicense(ctx, product, license.ActivationPrefill{LicenseCode: "KEY", Email: "e@x"})
	require.NoError(t, err)
	assert.Equal(t, LicenseInput{LicenseKey: "KEY", Email: "e@x"}, input)

	history := hub.History(10)
	require.Len(t, history, 2)

	assert.Equal(t, notify.TypeCheckoutURL, history[0].Type)
	assert.Equal(t, CheckoutURLMessage{ProductID: "prod-1", URL: "https://polar.test/co"}, history[0].Data)

	assert.Equal(t, notify.TypeProductAccess, history[1].Type)
	access, ok := history[1].Data.(ProductAccessMessage)
	require.True(t, ok)
	assert.True(t, access.CanTrial)
	assert.Equal(t, license.StatusTrial, access.View.Status)
}

func TestTerminalPrompter(t *testing.T) {
	ctx := context.Background()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	_, err = w.WriteString("  PROGATE-KEY-1  \n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var out bytes.Buffer
	p := NewTerminalPrompter(r, &out)

	input, err := p.RequestLicense(ctx, product, license.ActivationPrefill{Email: "user@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "PROGATE-KEY-1", input.LicenseKey)
	assert.Equal(t, "user@example.com", input.Email)
	assert.Contains(t, out.String(), "Enter license key for Progate Pro")

	out.Reset()
	require.NoError(t, p.OpenCheckout(ctx, product, "https://polar.test/co"))
	assert.Contains(t, out.String(), "https://polar.test/co")

	out.Reset()
	require.NoError(t, p.ProductAccess(ctx, license.Product{ProductName: "Progate Pro", TrialDays: 7, Price: 9.5, Currency: "USD"}))
	assert.Contains(t, out.String(), "Try it free for 7 days.")
	assert.Contains(t, out.String(), "9.50 USD")
}
