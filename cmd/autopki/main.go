// Command autopki runs a private root, intermediary and autosign CA
// hierarchy and its autosign API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables (injected by GoReleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath   string
	logLevel     string
	logFormat    string
	auditLogPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "autopki",
	Short: "Private PKI with an autosign API",
	Long: `autopki manages a three level certificate hierarchy (root, intermediary,
autosign) with the openssl toolchain, and serves an API through which
enrolled hosts obtain and revoke their own server certificates.

Examples:
  # Build the whole hierarchy
  autopki hierarchy init --config autopki.yml

  # Issue a server certificate centrally
  autopki ca issue www.example.com

  # Serve the autosign API
  autopki serve

  # On a host: enroll, then request a certificate
  autopki client enroll www.example.com --api https://pki.example.com:8443
  autopki client request`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Check for audit log path from environment if not set via flag
		if auditLogPath == "" {
			auditLogPath = os.Getenv("AUTOPKI_AUDIT_LOG")
		}
		// audit verify reads the log itself and must work on a broken one
		return setupApp(cmd != auditVerifyCmd)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeApp()
	},
}

func init() {
	// Global persistent flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default: ./autopki.yml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: json or console")
	rootCmd.PersistentFlags().StringVar(&auditLogPath, "audit-log", "",
		"Path to audit log file (or set AUTOPKI_AUDIT_LOG env var)")

	rootCmd.AddCommand(caCmd)        // autopki ca ...
	rootCmd.AddCommand(hierarchyCmd) // autopki hierarchy ...
	rootCmd.AddCommand(tokenCmd)     // autopki token ...
	rootCmd.AddCommand(clientCmd)    // autopki client ...
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(serveCmd)
}
