// Package router provides HTTP routing configuration using Chi.
package router

import (
	_ "embed"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/remiblancher/autosign-pki/internal/api/handler"
	"github.com/remiblancher/autosign-pki/internal/api/middleware"
	"github.com/remiblancher/autosign-pki/internal/autosign"
	"github.com/remiblancher/autosign-pki/internal/ca"
)

//go:embed openapi.yaml
var openapiSpec []byte

// Config holds router configuration.
type Config struct {
	Version   string
	Hierarchy *ca.Hierarchy
	// Autosign serves /token and /autosign. Those routes are not
	// mounted when it is nil.
	Autosign    *autosign.Service
	Logger      zerolog.Logger
	TrustProxy  bool
	CORSOrigins []string
}

// New creates a new Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.ClientIP(cfg.TrustProxy))
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recoverer(cfg.Logger))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	healthHandler := handler.NewHealthHandler(cfg.Version, cfg.Hierarchy)
	r.Get("/", healthHandler.Index)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// OpenAPI spec
	r.Get("/api/openapi.yaml", serveOpenAPISpec)

	caHandler := handler.NewCAHandler(cfg.Hierarchy)
	r.Route("/ca/{type}", func(r chi.Router) {
		r.Get("/certificate", caHandler.Certificate)
		r.Get("/bundle", caHandler.Bundle)
		r.Get("/crl", caHandler.CRL)
		r.Get("/certs", caHandler.Certs)
	})

	if cfg.Autosign != nil {
		autosignHandler := handler.NewAutosignHandler(cfg.Autosign)
		r.Post("/token/{fqdn}", autosignHandler.Token)
		r.Post("/autosign/servers", autosignHandler.Sign)
		r.Delete("/autosign/servers", autosignHandler.Revoke)
	}

	return r
}

// serveOpenAPISpec serves the OpenAPI specification file.
func serveOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openapiSpec)
}
