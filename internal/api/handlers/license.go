// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/progate/internal/api/middleware"
	"github.com/autobrr/progate/internal/license"
	"github.com/autobrr/progate/internal/models"
	"github.com/autobrr/progate/internal/polar"
	"github.com/autobrr/progate/internal/services/licensing"
	"github.com/autobrr/progate/pkg/redact"
)

// Engine is the part of license.Engine the API drives.
type Engine interface {
	State() license.State
	Product() license.Product
	Check(ctx context.Context, force bool) (license.VerifyResult, error)
	Verify(ctx context.Context, force bool) (license.VerifyResult, error)
	ShowCheckout(ctx context.Context) (license.CheckoutState, error)
	ShowLicenseActivation(ctx context.Context, prefill license.ActivationPrefill) (license.ActivationStatus, error)
}

type Deactivator interface {
	Deactivate(ctx context.Context) error
}

type HistoryStore interface {
	List(ctx context.Context, productID string, limit int) ([]*models.VerificationEvent, error)
}

type LicenseHandler struct {
	engine          Engine
	deactivator     Deactivator
	history         HistoryStore
	verifyRateLimit time.Duration
	validate        *validator.Validate

	checkoutActive atomic.Bool
}

func NewLicenseHandler(engine Engine, deactivator Deactivator, history HistoryStore, verifyRateLimit time.Duration) *LicenseHandler {
	return &LicenseHandler{
		engine:          engine,
		deactivator:     deactivator,
		history:         history,
		verifyRateLimit: verifyRateLimit,
		validate:        validator.New(),
	}
}

func (h *LicenseHandler) Routes(r chi.Router) {
	r.Get("/", h.GetStatus)
	r.Delete("/", h.Deactivate)
	r.With(middleware.RateLimit(h.verifyRateLimit)).Post("/verify", h.Verify)
	r.Post("/activate", h.Activate)
	r.Post("/checkout", h.Checkout)
	r.Get("/history", h.History)
}

type StatusResponse struct {
	license.StatusView
	Product license.Product `json:"product"`
	State   license.State   `json:"state"`
}

func (h *LicenseHandler) status() StatusResponse {
	state := h.engine.State()
	return StatusResponse{
		StatusView: license.Describe(state),
		Product:    h.engine.Product(),
		State:      state,
	}
}

func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.status())
}

type VerifyResponse struct {
	Skipped bool               `json:"skipped"`
	Outcome license.Outcome    `json:"outcome,omitempty"`
	View    license.StatusView `json:"view"`
}

// Verify forces a verification against the licensing backend.
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Verify(r.Context(), true)
	switch {
	case errors.Is(err, license.ErrVerificationInFlight):
		RespondError(w, http.StatusConflict, "Verification already in progress")
		return
	case err != nil:
		log.Error().Err(err).Msg("Forced verification failed")
		RespondError(w, http.StatusServiceUnavailable, "Verification failed")
		return
	}

	RespondJSON(w, http.StatusOK, VerifyResponse{
		Skipped: res.Skipped,
		Outcome: res.Outcome,
		View:    license.Describe(res.State),
	})
}

type ActivateRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required,max=256"`
	Email      string `json:"email" validate:"omitempty,email"`
}

type ActivateResponse struct {
	Status  license.ActivationStatus `json:"status"`
	Message string                   `json:"message,omitempty"`
	View    license.StatusView       `json:"view"`
}

// Activate runs the activation flow with the key from the request body.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		RespondError(w, http.StatusBadRequest, "License key is required and email must be valid")
		return
	}

	status, err := h.engine.ShowLicenseActivation(r.Context(), license.ActivationPrefill{
		Email:       req.Email,
		LicenseCode: req.LicenseKey,
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("licenseKey", redact.LicenseKey(req.LicenseKey)).
			Msg("Failed to activate license")

		RespondJSON(w, activationErrorStatus(err), ActivateResponse{
			Status:  license.ActivationFailed,
			Message: activationErrorMessage(err),
			View:    license.Describe(h.engine.State()),
		})
		return
	}

	code := http.StatusOK
	if status != license.ActivationActivated {
		code = http.StatusBadRequest
	}

	RespondJSON(w, code, ActivateResponse{
		Status: status,
		View:   license.Describe(h.engine.State()),
	})
}

func activationErrorStatus(err error) int {
	switch {
	case errors.Is(err, licensing.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case polar.IsTransportError(err), errors.Is(err, polar.ErrServerError):
		return http.StatusBadGateway
	default:
		return http.StatusForbidden
	}
}

func activationErrorMessage(err error) string {
	switch {
	case errors.Is(err, polar.ErrInvalidLicenseKey):
		return "License key is not valid"
	case errors.Is(err, polar.ErrActivationLimitExceeded):
		return "License key activation limit reached"
	case errors.Is(err, polar.ErrConditionMismatch):
		return "License key is bound to another installation"
	case errors.Is(err, licensing.ErrNotConfigured):
		return "Licensing is not configured"
	default:
		return "License activation failed"
	}
}

type CheckoutResponse struct {
	State license.CheckoutState `json:"state"`
	View  license.StatusView    `json:"view"`
}

// Checkout opens a checkout and waits for it to finish. The checkout URL is
// delivered over the events stream.
func (h *LicenseHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	if !h.checkoutActive.CompareAndSwap(false, true) {
		RespondError(w, http.StatusConflict, "A checkout is already in progress")
		return
	}
	defer h.checkoutActive.Store(false)

	state, err := h.engine.ShowCheckout(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Checkout failed")
		RespondJSON(w, http.StatusBadGateway, CheckoutResponse{State: state, View: license.Describe(h.engine.State())})
		return
	}

	RespondJSON(w, http.StatusOK, CheckoutResponse{State: state, View: license.Describe(h.engine.State())})
}

// Deactivate releases the activation and re-checks the license.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.deactivator.Deactivate(r.Context()); err != nil {
		if errors.Is(err, licensing.ErrNoLicenseKey) {
			RespondError(w, http.StatusNotFound, "No license is activated")
			return
		}
		log.Error().Err(err).Msg("Failed to deactivate license")
		RespondError(w, http.StatusBadGateway, "Failed to deactivate license")
		return
	}

	// a check already running may have read the record before deactivation
	if _, err := license.CheckWhenIdle(r.Context(), h.engine, true); err != nil {
		log.Warn().Err(err).Msg("License check after deactivation failed")
	}

	log.Info().Msg("License deactivated")

	RespondJSON(w, http.StatusOK, h.status())
}

func (h *LicenseHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 500 {
			RespondError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	events, err := h.history.List(r.Context(), h.engine.Product().ProductID, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load verification history")
		RespondError(w, http.StatusInternalServerError, "Failed to load verification history")
		return
	}

	RespondJSON(w, http.StatusOK, events)
}
