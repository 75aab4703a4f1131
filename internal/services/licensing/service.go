// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package licensing connects the license engine to the Polar licensing API and
// the local sqlite store.
package licensing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/progate/internal/buildinfo"
	"github.com/autobrr/progate/internal/database"
	"github.com/autobrr/progate/internal/license"
	"github.com/autobrr/progate/internal/models"
	"github.com/autobrr/progate/internal/polar"
	"github.com/autobrr/progate/pkg/redact"
)

var (
	ErrNotConfigured = errors.New("licensing client not configured")
	ErrNoLicenseKey  = errors.New("no license key stored")
)

const (
	conditionFingerprint  = "fingerprint"
	conditionMajorVersion = "major_version"
)

type Config struct {
	Product   license.Product
	AppID     string
	ConfigDir string
	Version   string
}

// Service implements license.VerificationService and license.Store.
type Service struct {
	product   license.Product
	repo      *database.LicenseRepo
	client    *polar.Client
	appID     string
	configDir string
	version   string
	now       func() time.Time

	mu   sync.Mutex
	last *license.Record
}

func NewService(repo *database.LicenseRepo, client *polar.Client, cfg Config) *Service {
	if cfg.AppID == "" {
		cfg.AppID = "progate"
	}
	if cfg.Version == "" {
		cfg.Version = buildinfo.Version
	}

	return &Service{
		product:   cfg.Product,
		repo:      repo,
		client:    client,
		appID:     cfg.AppID,
		configDir: cfg.ConfigDir,
		version:   cfg.Version,
		now:       time.Now,
	}
}

func (s *Service) configured() bool {
	return s.client != nil && s.client.IsClientConfigured()
}

// LoadRecord returns the stored record, recording the trial start on first use.
func (s *Service) LoadRecord(ctx context.Context) (license.Record, error) {
	rec, err := s.load(ctx)
	if err != nil {
		return license.Record{}, err
	}
	return s.toRecord(rec), nil
}

func (s *Service) load(ctx context.Context) (*models.LicenseRecord, error) {
	if _, err := s.repo.EnsureTrialStart(ctx, s.product.ProductID, s.now()); err != nil {
		return nil, err
	}

	rec, err := s.repo.Get(ctx, s.product.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to load license record: %w", err)
	}
	return rec, nil
}

func (s *Service) toRecord(rec *models.LicenseRecord) license.Record {
	out := license.Record{
		LicenseCode:       rec.LicenseKey,
		LicenseExpiryDate: rec.ExpiresAt,
		LastVerifyDate:    rec.LastVerifyDate,
		Activated:         rec.Activated,
	}

	if rec.TrialStartedAt != nil {
		out.TrialDaysRemaining = license.TrialDaysRemaining(s.product.TrialType, s.product.TrialDays, *rec.TrialStartedAt, s.now())
	}

	return out
}

func (s *Service) SaveVerifyDate(ctx context.Context, at time.Time) error {
	return s.repo.TouchVerifyDate(ctx, s.product.ProductID, at)
}

// Refresh pulls the latest license data from the backend and stores it. When
// the backend cannot be consulted the local record is returned with the error.
func (s *Service) Refresh(ctx context.Context) (*license.RefreshResult, error) {
	rec, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	var refreshErr error
	if rec.HasLicenseKey() && s.configured() {
		resp, err := s.validate(ctx, rec)
		switch {
		case err == nil:
			rec.ExpiresAt = resp.ExpiresAt
			rec.Activated = resp.ValidLicense() && !expired(resp.ExpiresAt, s.now())
			if err := s.repo.UpdateValidation(ctx, s.product.ProductID, rec.ExpiresAt, rec.Activated); err != nil {
				refreshErr = fmt.Errorf("failed to store validation: %w", err)
			}
		case errors.Is(err, polar.ErrInvalidLicenseKey), errors.Is(err, polar.ErrConditionMismatch):
			rec.Activated = false
			if err := s.repo.UpdateValidation(ctx, s.product.ProductID, rec.ExpiresAt, false); err != nil {
				refreshErr = fmt.Errorf("failed to store validation: %w", err)
			}
		default:
			refreshErr = errors.Wrap(err, "failed to refresh license")
		}
	}

	record := s.toRecord(rec)

	s.mu.Lock()
	changed := changedFields(s.last, record)
	s.last = &record
	s.mu.Unlock()

	return &license.RefreshResult{Record: record, Changed: changed}, refreshErr
}

// VerifyActivation asks the backend whether this installation holds a valid
// activation.
func (s *Service) VerifyActivation(ctx context.Context) (license.VerificationState, error) {
	if !s.configured() {
		return license.VerificationUnableToVerify, ErrNotConfigured
	}

	rec, err := s.load(ctx)
	if err != nil {
		return license.VerificationUnableToVerify, err
	}

	if !rec.HasLicenseKey() || rec.ActivationID == nil {
		return license.VerificationNoActivation, nil
	}

	resp, err := s.validate(ctx, rec)
	switch {
	case err == nil:
	case errors.Is(err, polar.ErrInvalidLicenseKey):
		return license.VerificationNoActivation, nil
	case errors.Is(err, polar.ErrConditionMismatch), errors.Is(err, polar.ErrActivationLimitExceeded):
		log.Warn().
			Err(err).
			Str("licenseKey", redact.LicenseKey(*rec.LicenseKey)).
			Msg("License activation does not match this installation")
		return license.VerificationUnverified, nil
	case polar.IsTransportError(err), errors.Is(err, polar.ErrServerError), errors.Is(err, polar.ErrRateLimitExceeded):
		return license.VerificationUnableToVerify, err
	case ctx.Err() != nil:
		return license.VerificationUnableToVerify, ctx.Err()
	default:
		return license.VerificationUnknown, err
	}

	switch {
	case resp.ValidLicense() && !expired(resp.ExpiresAt, s.now()):
		return license.VerificationVerified, nil
	case resp.ValidLicense():
		log.Info().Str("licenseKey", redact.LicenseKey(*rec.LicenseKey)).Msg("License key expired")
		return license.VerificationUnverified, nil
	case resp.Status == polar.StatusRevoked, resp.Status == polar.StatusDisabled:
		return license.VerificationUnverified, nil
	default:
		return license.VerificationUnknown, fmt.Errorf("unexpected license status: %s", resp.Status)
	}
}

func (s *Service) validate(ctx context.Context, rec *models.LicenseRecord) (*polar.ValidateResp, error) {
	req := polar.ValidateRequest{Key: *rec.LicenseKey}
	if rec.ActivationID != nil {
		req.ActivationID = *rec.ActivationID
	}

	conditions, err := s.conditions()
	if err != nil {
		return nil, err
	}
	for k, v := range conditions {
		req.SetCondition(k, v)
	}

	return s.client.Validate(ctx, req)
}

func (s *Service) conditions() (map[string]any, error) {
	fingerprint, err := DeviceID(s.appID, s.product.ProductID, s.configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get device fingerprint: %w", err)
	}

	conditions := map[string]any{conditionFingerprint: fingerprint}

	if major, err := buildinfo.MajorVersion(s.version); err == nil {
		conditions[conditionMajorVersion] = major
	} else {
		log.Trace().Err(err).Str("version", s.version).Msg("Skipping major version condition")
	}

	return conditions, nil
}

// Activate binds a license key to this installation and stores it.
func (s *Service) Activate(ctx context.Context, licenseKey, email string) (*models.LicenseRecord, error) {
	if !s.configured() {
		return nil, ErrNotConfigured
	}

	conditions, err := s.conditions()
	if err != nil {
		return nil, err
	}

	req := polar.ActivateRequest{Key: licenseKey, Label: s.product.DisplayName()}
	for k, v := range conditions {
		req.SetCondition(k, v)
	}
	req.SetMeta("product", s.product.ProductID)

	log.Debug().Str("licenseKey", redact.LicenseKey(licenseKey)).Msg("Attempting license activation")

	resp, err := s.client.Activate(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to activate license key %s", redact.LicenseKey(licenseKey))
	}

	activationID := resp.ID
	rec := &models.LicenseRecord{
		ProductID:     s.product.ProductID,
		LicenseKey:    &licenseKey,
		ActivationID:  &activationID,
		CustomerEmail: email,
		ExpiresAt:     resp.LicenseKey.ExpiresAt,
		Activated:     true,
	}

	if err := s.repo.StoreActivation(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store license: %w", err)
	}

	return rec, nil
}

// Deactivate releases the activation on the backend and forgets the key. A key
// the backend no longer knows is cleared locally anyway.
func (s *Service) Deactivate(ctx context.Context) error {
	rec, err := s.repo.Get(ctx, s.product.ProductID)
	if err != nil {
		if errors.Is(err, models.ErrLicenseNotFound) {
			return ErrNoLicenseKey
		}
		return err
	}
	if !rec.HasLicenseKey() {
		return ErrNoLicenseKey
	}

	if rec.ActivationID != nil && s.configured() {
		err := s.client.Deactivate(ctx, polar.DeactivateRequest{
			Key:          *rec.LicenseKey,
			ActivationID: *rec.ActivationID,
		})
		if err != nil && !errors.Is(err, polar.ErrInvalidLicenseKey) {
			return errors.Wrap(err, "failed to deactivate license")
		}
	}

	return s.repo.ClearActivation(ctx, s.product.ProductID)
}

func expired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !expiresAt.IsZero() && now.After(*expiresAt)
}

func changedFields(prev *license.Record, next license.Record) []string {
	if prev == nil {
		return nil
	}

	var changed []string
	if !equalString(prev.LicenseCode, next.LicenseCode) {
		changed = append(changed, "licenseCode")
	}
	if !equalTime(prev.LicenseExpiryDate, next.LicenseExpiryDate) {
		changed = append(changed, "licenseExpiryDate")
	}
	if prev.TrialDaysRemaining != next.TrialDaysRemaining {
		changed = append(changed, "trialDaysRemaining")
	}
	if !equalTime(prev.LastVerifyDate, next.LastVerifyDate) {
		changed = append(changed, "lastVerifyDate")
	}
	if prev.Activated != next.Activated {
		changed = append(changed, "activated")
	}
	return changed
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
