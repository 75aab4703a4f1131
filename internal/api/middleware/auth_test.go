// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIKey(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := APIKey("secret-key")(okHandler)

	tests := []struct {
		name           string
		method         string
		path           string
		apiKeyHeader   string
		expectedStatus int
	}{
		{name: "header", method: http.MethodDelete, path: "/api/license", apiKeyHeader: "secret-key", expectedStatus: http.StatusOK},
		{name: "missing key", method: http.MethodDelete, path: "/api/license", expectedStatus: http.StatusUnauthorized},
		{name: "wrong key", method: http.MethodPost, path: "/api/license/verify", apiKeyHeader: "nope", expectedStatus: http.StatusUnauthorized},
		{name: "query on event stream", method: http.MethodGet, path: "/api/license/events?apikey=secret-key", expectedStatus: http.StatusOK},
		{name: "query on event stream with base url", method: http.MethodGet, path: "/progate/api/license/events?apikey=secret-key", expectedStatus: http.StatusOK},
		{name: "query elsewhere is ignored", method: http.MethodDelete, path: "/api/license?apikey=secret-key", expectedStatus: http.StatusUnauthorized},
		{name: "wrong query on event stream", method: http.MethodGet, path: "/api/license/events?apikey=nope", expectedStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.apiKeyHeader != "" {
				req.Header.Set("X-API-Key", tt.apiKeyHeader)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
		})
	}
}

func TestAPIKeyEmptyKeyRefusesEverything(t *testing.T) {
	handler := APIKey("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/license", nil)
	req.Header.Set("X-API-Key", "anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
