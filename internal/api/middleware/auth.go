// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// APIKey rejects requests that do not carry the configured key in the
// X-API-Key header. The event stream also accepts it as the apikey query
// parameter because EventSource cannot set headers.
func APIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-API-Key")
			if provided == "" && strings.HasSuffix(r.URL.Path, "/license/events") {
				provided = r.URL.Query().Get("apikey")
			}

			if provided == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if key == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				log.Warn().Str("remote_ip", r.RemoteAddr).Str("path", r.URL.Path).Msg("Invalid API key")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
