// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Server struct {
	server         *http.Server
	basicAuthUsers map[string]string
	manager        *MetricsManager
}

// NewMetricsServer serves /metrics on its own listener. basicAuthUsersConfig is
// a comma separated list of user:password pairs.
func NewMetricsServer(manager *MetricsManager, host string, port int, basicAuthUsersConfig string) *Server {
	s := &Server{
		basicAuthUsers: parseBasicAuthUsers(basicAuthUsersConfig),
		manager:        manager,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if len(s.basicAuthUsers) > 0 {
		router.Use(middleware.BasicAuth("metrics", s.basicAuthUsers))
	}

	router.Handle("/metrics", s.Handler())

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: router,
	}

	return s
}

// Handler returns the Prometheus handler for the manager's registry.
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(s.manager.GetRegistry(), promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func parseBasicAuthUsers(config string) map[string]string {
	users := make(map[string]string)
	if config == "" {
		return users
	}

	for cred := range strings.SplitSeq(config, ",") {
		user, pass, ok := strings.Cut(strings.TrimSpace(cred), ":")
		if !ok || user == "" {
			log.Warn().Msg("Invalid metrics basic auth credentials, expected user:password")
			continue
		}
		users[user] = pass
	}
	return users
}

func (s *Server) ListenAndServe() error {
	log.Info().
		Str("address", s.server.Addr).
		Msg("Starting Prometheus metrics server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
