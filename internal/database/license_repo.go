// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/progate/internal/models"
	"github.com/autobrr/progate/pkg/redact"
)

type LicenseRepo struct {
	db *DB
}

func NewLicenseRepo(db *DB) *LicenseRepo {
	return &LicenseRepo{db: db}
}

const licenseColumns = `product_id, license_key, activation_id, customer_email, expires_at, activated,
		       last_verify_date, trial_started_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*models.LicenseRecord, error) {
	rec := &models.LicenseRecord{}

	var (
		licenseKey     sql.Null[string]
		activationID   sql.Null[string]
		expiresAt      sql.NullInt64
		lastVerifyDate sql.NullInt64
		trialStartedAt sql.NullInt64
	)

	if err := row.Scan(
		&rec.ProductID,
		&licenseKey,
		&activationID,
		&rec.CustomerEmail,
		&expiresAt,
		&rec.Activated,
		&lastVerifyDate,
		&trialStartedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if licenseKey.Valid {
		rec.LicenseKey = &licenseKey.V
	}
	if activationID.Valid {
		rec.ActivationID = &activationID.V
	}
	rec.ExpiresAt = fromMillis(expiresAt)
	rec.LastVerifyDate = fromMillis(lastVerifyDate)
	rec.TrialStartedAt = fromMillis(trialStartedAt)

	return rec, nil
}

// Get returns the stored record for a product.
func (r *LicenseRepo) Get(ctx context.Context, productID string) (*models.LicenseRecord, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE product_id = ?`

	rec, err := scanLicense(r.db.QueryRowContext(ctx, query, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrLicenseNotFound
		}
		return nil, err
	}

	return rec, nil
}

// EnsureTrialStart records the first launch of a product and returns the
// trial start. Later calls return the original value.
func (r *LicenseRepo) EnsureTrialStart(ctx context.Context, productID string, now time.Time) (time.Time, error) {
	query := `
		INSERT INTO licenses (product_id, trial_started_at)
		VALUES (?, ?)
		ON CONFLICT(product_id) DO UPDATE SET
			trial_started_at = COALESCE(licenses.trial_started_at, excluded.trial_started_at)
		RETURNING trial_started_at
	`

	var started int64
	if err := r.db.QueryRowContext(ctx, query, productID, now.UnixMilli()).Scan(&started); err != nil {
		return time.Time{}, fmt.Errorf("failed to record trial start: %w", err)
	}

	return time.UnixMilli(started), nil
}

// StoreActivation saves a freshly activated license key.
func (r *LicenseRepo) StoreActivation(ctx context.Context, rec *models.LicenseRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO licenses (product_id, license_key, activation_id, customer_email, expires_at, activated, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(product_id) DO UPDATE SET
			license_key = excluded.license_key,
			activation_id = excluded.activation_id,
			customer_email = excluded.customer_email,
			expires_at = excluded.expires_at,
			activated = excluded.activated,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := tx.ExecContext(ctx, query,
		rec.ProductID,
		nullString(rec.LicenseKey),
		nullString(rec.ActivationID),
		rec.CustomerEmail,
		toMillis(rec.ExpiresAt),
		rec.Activated,
	); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if rec.LicenseKey != nil {
		log.Info().
			Str("productId", rec.ProductID).
			Str("licenseKey", redact.LicenseKey(*rec.LicenseKey)).
			Msg("License activation stored")
	}

	return nil
}

// UpdateValidation stores what the backend reported for an existing key.
func (r *LicenseRepo) UpdateValidation(ctx context.Context, productID string, expiresAt *time.Time, activated bool) error {
	query := `
		UPDATE licenses
		SET expires_at = ?, activated = ?, updated_at = CURRENT_TIMESTAMP
		WHERE product_id = ?
	`

	result, err := r.db.ExecContext(ctx, query, toMillis(expiresAt), activated, productID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return models.ErrLicenseNotFound
	}

	return nil
}

// TouchVerifyDate advances last_verify_date. Older timestamps never overwrite
// newer ones.
func (r *LicenseRepo) TouchVerifyDate(ctx context.Context, productID string, at time.Time) error {
	query := `
		INSERT INTO licenses (product_id, last_verify_date)
		VALUES (?, ?)
		ON CONFLICT(product_id) DO UPDATE SET
			last_verify_date = MAX(COALESCE(licenses.last_verify_date, 0), excluded.last_verify_date),
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := r.db.ExecContext(ctx, query, productID, at.UnixMilli())
	return err
}

// ClearActivation forgets the license key but keeps trial and verification
// bookkeeping.
func (r *LicenseRepo) ClearActivation(ctx context.Context, productID string) error {
	query := `
		UPDATE licenses
		SET license_key = NULL, activation_id = NULL, expires_at = NULL, activated = 0,
		    updated_at = CURRENT_TIMESTAMP
		WHERE product_id = ?
	`

	result, err := r.db.ExecContext(ctx, query, productID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return models.ErrLicenseNotFound
	}

	log.Info().Str("productId", productID).Msg("License activation cleared")

	return nil
}

func nullString(s *string) sql.Null[string] {
	if s == nil || *s == "" {
		return sql.Null[string]{}
	}
	return sql.Null[string]{V: *s, Valid: true}
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
