package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/autosign-pki/internal/client"
	"github.com/remiblancher/autosign-pki/internal/validator"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Host side of the autosign API",
	Long: `Commands run on a host that obtains its server certificate from the
autosign API.

Examples:
  # Enroll: serve a proof token on the validator port and receive client.yml
  autopki client enroll www.example.com --api https://pki.example.com:8443

  # Generate a key and request a certificate
  autopki client request --out-dir /etc/ssl/autopki

  # Revoke the current certificate
  autopki client revoke --crt /etc/ssl/autopki/www.example.com.pem`,
}

var clientEnrollCmd = &cobra.Command{
	Use:   "enroll FQDN",
	Short: "Prove ownership of FQDN and obtain an autosign token",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientEnroll,
}

var clientRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Generate a key and have the autosign CA sign it",
	Args:  cobra.NoArgs,
	RunE:  runClientRequest,
}

var clientRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke a certificate issued to this host",
	Args:  cobra.NoArgs,
	RunE:  runClientRevoke,
}

var (
	clientAPI           string
	clientConfigFile    string
	clientValidatorPort int
	clientOutDir        string
	clientBits          int
	clientCrt           string
	clientTimeout       time.Duration
)

func init() {
	clientCmd.PersistentFlags().StringVar(&clientConfigFile, "client-config", "client.yml", "Client configuration file")
	clientCmd.PersistentFlags().DurationVar(&clientTimeout, "timeout", 2*time.Minute, "Overall time allowed for the request, retries included")

	clientEnrollCmd.Flags().StringVar(&clientAPI, "api", "", "Autosign API URL (required)")
	clientEnrollCmd.Flags().IntVar(&clientValidatorPort, "validator-port", validator.DefaultPort, "Port serving the proof token")
	_ = clientEnrollCmd.MarkFlagRequired("api")

	clientRequestCmd.Flags().StringVar(&clientOutDir, "out-dir", ".", "Directory receiving the key, certificate and chain")
	clientRequestCmd.Flags().IntVar(&clientBits, "bits", client.DefaultKeyBits, "RSA key size")

	clientRevokeCmd.Flags().StringVar(&clientCrt, "crt", "", "Certificate to revoke (required)")
	_ = clientRevokeCmd.MarkFlagRequired("crt")

	clientCmd.AddCommand(clientEnrollCmd, clientRequestCmd, clientRevokeCmd)
}

func newAPIClient(url string) *client.Client {
	return client.New(url, client.WithLogger(app.logger))
}

func runClientEnroll(cmd *cobra.Command, args []string) error {
	fqdn := args[0]
	ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
	defer cancel()

	srv, err := validator.NewServer(app.logger)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(clientValidatorPort)))
	if err != nil {
		return fmt.Errorf("failed to listen on validator port %d: %w", clientValidatorPort, err)
	}

	serveCtx, stopServe := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(serveCtx, ln) }()

	cfg, err := newAPIClient(clientAPI).Enroll(ctx, fqdn, srv.Token())
	stopServe()
	if serveErr := <-served; serveErr != nil {
		app.logger.Warn().Err(serveErr).Msg("validator server stopped with an error")
	}
	if err != nil {
		return err
	}

	if err := cfg.Save(clientConfigFile); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Enrolled %s, configuration written to %s\n", fqdn, clientConfigFile)
	return nil
}

func runClientRequest(cmd *cobra.Command, args []string) error {
	cfg, err := client.LoadConfig(clientConfigFile)
	if err != nil {
		return err
	}
	if cfg.FQDN == "" {
		return errors.New("client configuration has no fqdn")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
	defer cancel()

	keyPEM, csrPEM, err := client.GenerateRequest(cfg.FQDN, cfg.Subject, clientBits)
	if err != nil {
		return err
	}
	api := newAPIClient(cfg.API.URL)
	crt, err := api.RequestCertificate(ctx, cfg.FQDN, cfg.API.Token, csrPEM)
	if err != nil {
		return err
	}
	bundle, err := api.Bundle(ctx, "autosign")
	if err != nil {
		return err
	}

	dir := clientOutDir
	if cfg.Workspace != "" && !cmd.Flags().Changed("out-dir") {
		dir = cfg.Workspace
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{cfg.FQDN + ".key", keyPEM, 0o600},
		{cfg.FQDN + ".pem", crt, 0o644},
		{cfg.FQDN + "-bundle.pem", bundle, 0o644},
	}
	out := cmd.OutOrStdout()
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, f.data, f.perm); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Fprintf(out, "Written: %s\n", path)
	}
	return nil
}

func runClientRevoke(cmd *cobra.Command, args []string) error {
	cfg, err := client.LoadConfig(clientConfigFile)
	if err != nil {
		return err
	}
	crt, err := os.ReadFile(clientCrt)
	if err != nil {
		return fmt.Errorf("failed to read certificate: %w", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
	defer cancel()

	resp, err := newAPIClient(cfg.API.URL).RevokeCertificate(ctx, cfg.FQDN, cfg.API.Token, crt)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s (serial %s)\n", resp.FQDN, resp.Serial)
	return nil
}
