// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package licensing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/progate/internal/database"
	"github.com/autobrr/progate/internal/license"
	"github.com/autobrr/progate/internal/models"
)

const (
	historyQueueSize  = 128
	historyKeep       = 500
	historyPruneEvery = 50
	historyTimeout    = 5 * time.Second
)

// HistoryRecorder persists verification outcomes, checkouts and activations.
// Notify never blocks; events are dropped when the queue is full.
type HistoryRecorder struct {
	repo  *database.EventRepo
	queue chan *models.VerificationEvent

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewHistoryRecorder(repo *database.EventRepo) *HistoryRecorder {
	h := &HistoryRecorder{
		repo:  repo,
		queue: make(chan *models.VerificationEvent, historyQueueSize),
		done:  make(chan struct{}),
	}
	go h.run()
	return h
}

// Notify implements license.Notifier.
func (h *HistoryRecorder) Notify(ev license.Event) {
	var detail string
	switch ev.Kind {
	case license.EventOutcome:
		detail = string(ev.Outcome)
	case license.EventCheckout:
		detail = string(ev.CheckoutState)
	case license.EventActivation:
		detail = string(ev.ActivationStatus)
	default:
		return
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	entry := &models.VerificationEvent{
		ID:                uuid.NewString(),
		ProductID:         ev.ProductID,
		Kind:              string(ev.Kind),
		Outcome:           detail,
		VerificationState: string(ev.VerificationState),
		ProductActivated:  ev.State.ProductActivated,
		OnTrial:           ev.State.OnTrial,
		Error:             ev.Error,
		CreatedAt:         at,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	select {
	case h.queue <- entry:
	default:
		log.Warn().Str("kind", entry.Kind).Msg("Verification history queue full, dropping event")
	}
}

func (h *HistoryRecorder) run() {
	defer close(h.done)

	written := 0
	for entry := range h.queue {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)

		if err := h.repo.Append(ctx, entry); err != nil {
			log.Error().Err(err).Msg("Failed to record verification event")
		} else {
			written++
		}

		if written >= historyPruneEvery {
			written = 0
			if n, err := h.repo.Prune(ctx, entry.ProductID, historyKeep); err != nil {
				log.Error().Err(err).Msg("Failed to prune verification history")
			} else if n > 0 {
				log.Debug().Int64("deleted", n).Msg("Pruned verification history")
			}
		}

		cancel()
	}
}

// Close drains the queue and waits for pending writes.
func (h *HistoryRecorder) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.queue)
	}
	h.mu.Unlock()

	<-h.done
}
