package main

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/enterpriseaccess/backend/internal/config"
	"github.com/enterpriseaccess/backend/internal/router"
)

// newHTTPHandler mounts the API router behind CORS.
func newHTTPHandler(cfg *config.Config, h router.Handlers) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Request-Id"},
		AllowCredentials: true,
	}).Handler(router.New(h))
}
