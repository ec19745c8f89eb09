package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/autosign-pki/internal/api/router"
	"github.com/remiblancher/autosign-pki/internal/api/server"
	"github.com/remiblancher/autosign-pki/internal/autosign"
	"github.com/remiblancher/autosign-pki/internal/ca"
	"github.com/remiblancher/autosign-pki/internal/telemetry"
	"github.com/remiblancher/autosign-pki/internal/validation"
	"github.com/remiblancher/autosign-pki/internal/validator"
)

// Serve command flags
var (
	serveTracing     bool
	serveCORSOrigins []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the autosign API",
	Long: `Start the autosign API of the hierarchy.

Routes:
  GET    /                        - Banner
  GET    /health, /ready          - Health and readiness
  POST   /token/{fqdn}            - Enroll a host (proof token check)
  POST   /autosign/servers        - Sign a server certificate
  DELETE /autosign/servers        - Revoke a server certificate
  GET    /ca/{type}/certificate   - CA certificate
  GET    /ca/{type}/bundle        - CA chain
  GET    /ca/{type}/crl           - CRL
  GET    /ca/{type}/certs         - Ledger listing

Settings come from the server section of the configuration; every key can
be overridden with AUTOPKI_SERVER_<KEY> (AUTOPKI_SERVER_PORT, ...).

With --tracing, metrics and traces are exported over OTLP as configured by
the OTEL_EXPORTER_OTLP_* environment variables.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveTracing, "tracing", false, "Export metrics and traces over OTLP")
	serveCmd.Flags().StringSliceVar(&serveCORSOrigins, "cors-origin", nil, "Origins allowed to read CA artifacts (default: any)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := app.logger
	cfg := app.cfg

	if serveTracing {
		shutdown, err := telemetry.InitTelemetry(ctx, "autopki", version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	h, err := newHierarchy()
	if err != nil {
		return err
	}
	if state := h.CA(ca.Autosign).State(); state != ca.Active {
		log.Warn().Str("state", state.String()).Msg("autosign CA is not active, signing requests will be refused")
	}

	store, err := loadTokens()
	if err != nil {
		return err
	}
	pipeline := &validation.Pipeline{
		Tokens:     store,
		Resolver:   net.DefaultResolver,
		Permissive: cfg.Server.Permissive,
		Logger:     log,
	}
	if cfg.Server.Permissive {
		log.Warn().Msg("permissive mode: ownership check failures are logged and accepted")
	}

	svc, err := autosign.New(h.CA(ca.Autosign), store, pipeline,
		autosign.WithLogger(log),
		autosign.WithAudit(app.recorder),
		autosign.WithProofVerifier(validator.NewClient(cfg.Server.ValidatorPort, 10*time.Second)),
		autosign.WithAPIURL(cfg.APIURL()),
	)
	if err != nil {
		return err
	}

	handler := router.New(&router.Config{
		Version:     version,
		Hierarchy:   h,
		Autosign:    svc,
		Logger:      log,
		TrustProxy:  cfg.Server.TrustProxy,
		CORSOrigins: serveCORSOrigins,
	})

	srv := server.New(&server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		MaxConns:        cfg.Server.MaxConns,
		TLSCert:         cfg.Server.TLSCert,
		TLSKey:          cfg.Server.TLSKey,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, handler, log)

	log.Info().Str("version", version).Str("address", cfg.ListenAddr()).Msg("Starting autosign API")
	return srv.ListenAndServe(ctx)
}
