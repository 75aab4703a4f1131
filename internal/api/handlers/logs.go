// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/autobrr/progate/internal/config"
)

// LogSettingsStore reads and updates the runtime log settings.
type LogSettingsStore interface {
	LogSettings() config.LogSettings
	UpdateLogSettings(update config.LogSettingsUpdate) (config.LogSettings, error)
}

type LogsHandler struct {
	store LogSettingsStore
}

func NewLogsHandler(store LogSettingsStore) *LogsHandler {
	return &LogsHandler{store: store}
}

func (h *LogsHandler) Routes(r chi.Router) {
	r.Get("/log-settings", h.GetLogSettings)
	r.Put("/log-settings", h.UpdateLogSettings)
}

func (h *LogsHandler) GetLogSettings(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.store.LogSettings())
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

func (h *LogsHandler) UpdateLogSettings(w http.ResponseWriter, r *http.Request) {
	var update config.LogSettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if update.Level != nil && !validLogLevels[strings.ToLower(*update.Level)] {
		RespondError(w, http.StatusBadRequest, "invalid log level: "+*update.Level)
		return
	}
	if update.MaxSize != nil && *update.MaxSize < 1 {
		RespondError(w, http.StatusBadRequest, "maxSize must be at least 1 MB")
		return
	}
	if update.MaxBackups != nil && *update.MaxBackups < 0 {
		RespondError(w, http.StatusBadRequest, "maxBackups cannot be negative")
		return
	}

	settings, err := h.store.UpdateLogSettings(update)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, settings)
}
