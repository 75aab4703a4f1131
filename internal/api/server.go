// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/progate/internal/api/handlers"
	"github.com/autobrr/progate/internal/api/middleware"
	"github.com/autobrr/progate/internal/config"
	"github.com/autobrr/progate/internal/notify"
)

type Dependencies struct {
	Config    *config.AppConfig
	Engine    handlers.Engine
	Licensing handlers.Deactivator
	History   handlers.HistoryStore
	Hub       *notify.Hub
}

type Server struct {
	server *http.Server
	deps   *Dependencies
}

func NewServer(deps *Dependencies) *Server {
	cfg := deps.Config.Config
	return &Server{
		deps: deps,
		server: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

func (s *Server) ListenAndServe() error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.server.Handler = handler

	log.Info().Str("addr", s.server.Addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler builds the router. Everything lives under <baseUrl>/api.
func (s *Server) Handler() (*chi.Mux, error) {
	if s.deps.Engine == nil || s.deps.Hub == nil {
		return nil, errors.New("api: engine and hub are required")
	}

	cfg := s.deps.Config.Config

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(s.corsHandler().Handler)

	healthHandler := handlers.NewHealthHandler(s.deps.Engine)
	licenseHandler := handlers.NewLicenseHandler(s.deps.Engine, s.deps.Licensing, s.deps.History, cfg.License.VerifyRateLimit)
	eventsHandler := handlers.NewEventsHandler(s.deps.Hub)
	logsHandler := handlers.NewLogsHandler(s.deps.Config)

	apiRouter := chi.NewRouter()
	healthHandler.Routes(apiRouter)
	apiRouter.Group(func(r chi.Router) {
		r.Use(middleware.APIKey(cfg.APIKey))

		logsHandler.Routes(r)
		r.Route("/license", func(r chi.Router) {
			licenseHandler.Routes(r)
			r.Get("/events", eventsHandler.Stream)
		})
	})

	baseURL := normalizeBaseURL(cfg.BaseURL)
	if baseURL == "/" {
		r.Mount("/api", apiRouter)
	} else {
		r.Route(strings.TrimSuffix(baseURL, "/"), func(r chi.Router) {
			r.Mount("/api", apiRouter)
		})
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, baseURL, http.StatusFound)
		})
	}

	return r, nil
}

// corsHandler only answers cross-origin requests from configured origins.
// With none configured the API is same origin only. Auth is the API key
// header, so cookies are never allowed cross-origin.
func (s *Server) corsHandler() *cors.Cors {
	origins := s.deps.Config.Config.CORSAllowedOrigins
	opts := cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Requested-With"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}
	if len(origins) == 0 {
		opts.AllowOriginFunc = func(string) bool { return false }
	} else {
		opts.AllowedOrigins = origins
	}
	return cors.New(opts)
}

func normalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" || baseURL == "/" {
		return "/"
	}
	if !strings.HasPrefix(baseURL, "/") {
		baseURL = "/" + baseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL
}
