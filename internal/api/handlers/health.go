// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/autobrr/progate/internal/buildinfo"
	"github.com/autobrr/progate/internal/license"
)

type HealthHandler struct {
	engine StateSource
}

// StateSource is the read side of the license engine.
type StateSource interface {
	State() license.State
}

func NewHealthHandler(engine StateSource) *HealthHandler {
	return &HealthHandler{engine: engine}
}

func (h *HealthHandler) Routes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/version", h.HandleVersion)
}

type HealthResponse struct {
	Status string        `json:"status"`
	Phase  license.Phase `json:"phase,omitempty"`
}

// HandleHealth reports ok once the engine has left the uninitialized phase.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		RespondJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	phase := h.engine.State().Phase
	if phase == license.PhaseUninitialized {
		RespondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "starting", Phase: phase})
		return
	}
	RespondJSON(w, http.StatusOK, HealthResponse{Status: "ok", Phase: phase})
}

type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

func (h *HealthHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, VersionResponse{
		Version: buildinfo.Version,
		Commit:  buildinfo.Commit,
		Date:    buildinfo.Date,
	})
}
