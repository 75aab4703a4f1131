// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/autobrr/progate/internal/models"
)

const defaultEventLimit = 50

type EventRepo struct {
	db *DB
}

func NewEventRepo(db *DB) *EventRepo {
	return &EventRepo{db: db}
}

func (r *EventRepo) Append(ctx context.Context, ev *models.VerificationEvent) error {
	query := `
		INSERT INTO verification_events (id, product_id, kind, outcome, verification_state,
		                                 product_activated, on_trial, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		ev.ID,
		ev.ProductID,
		ev.Kind,
		ev.Outcome,
		ev.VerificationState,
		ev.ProductActivated,
		ev.OnTrial,
		ev.Error,
		ev.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append verification event: %w", err)
	}

	return nil
}

// List returns the most recent events for a product, newest first.
func (r *EventRepo) List(ctx context.Context, productID string, limit int) ([]*models.VerificationEvent, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}

	query := `
		SELECT id, product_id, kind, outcome, verification_state, product_activated, on_trial, error, created_at
		FROM verification_events
		WHERE product_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*models.VerificationEvent, 0, limit)
	for rows.Next() {
		ev := &models.VerificationEvent{}
		var createdAt int64

		if err := rows.Scan(
			&ev.ID,
			&ev.ProductID,
			&ev.Kind,
			&ev.Outcome,
			&ev.VerificationState,
			&ev.ProductActivated,
			&ev.OnTrial,
			&ev.Error,
			&createdAt,
		); err != nil {
			return nil, err
		}

		ev.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// Prune keeps the newest keep events for a product and deletes the rest.
func (r *EventRepo) Prune(ctx context.Context, productID string, keep int) (int64, error) {
	query := `
		DELETE FROM verification_events
		WHERE product_id = ? AND id NOT IN (
			SELECT id FROM verification_events
			WHERE product_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		)
	`

	result, err := r.db.ExecContext(ctx, query, productID, productID, keep)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
