package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/remiblancher/autosign-pki/internal/audit"
	"github.com/remiblancher/autosign-pki/internal/ca"
	"github.com/remiblancher/autosign-pki/internal/config"
	"github.com/remiblancher/autosign-pki/internal/logging"
	"github.com/remiblancher/autosign-pki/internal/tokens"
	"github.com/remiblancher/autosign-pki/internal/toolchain"
)

// app holds what every command shares once the configuration is loaded.
var app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	writer   audit.Writer
	recorder *audit.Recorder
}

func setupApp(openAudit bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	logger, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	path := auditLogPath
	if path == "" {
		path = cfg.Audit.Path
	}
	var w audit.Writer = audit.NopWriter{}
	if path != "" && openAudit {
		fw, err := audit.NewFileWriter(path)
		if err != nil {
			return fmt.Errorf("failed to initialize audit log: %w", err)
		}
		w = fw
	}

	app.cfg = cfg
	app.logger = logger
	app.writer = w
	app.recorder = audit.NewRecorder(w)
	return nil
}

func closeApp() error {
	if app.writer == nil {
		return nil
	}
	err := app.writer.Close()
	app.writer = nil
	return err
}

func newToolchain() (toolchain.Toolchain, error) {
	tc := app.cfg.Toolchain
	return toolchain.New(tc.Backend, tc.OpenSSL, tc.Timeout)
}

func caOptions() ([]ca.Option, error) {
	opts := []ca.Option{ca.WithLogger(app.logger), ca.WithAudit(app.recorder)}
	if dir := app.cfg.Templates.Dir; dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("templates directory: %w", err)
		}
		opts = append(opts, ca.WithTemplates(ca.NewTemplates(os.DirFS(dir))))
	}
	return opts, nil
}

func newHierarchy() (*ca.Hierarchy, error) {
	tc, err := newToolchain()
	if err != nil {
		return nil, err
	}
	opts, err := caOptions()
	if err != nil {
		return nil, err
	}
	return ca.NewHierarchy(app.cfg.CA(), tc, opts...)
}

// caFor returns the CA named by a type argument.
func caFor(arg string) (*ca.CA, *ca.Hierarchy, error) {
	t, err := ca.ParseType(arg)
	if err != nil {
		return nil, nil, err
	}
	h, err := newHierarchy()
	if err != nil {
		return nil, nil, err
	}
	return h.CA(t), h, nil
}

func loadTokens() (*tokens.Store, error) {
	store := tokens.NewStore(app.cfg.TokensPath(), tokens.WithLogger(app.logger))
	if err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}
