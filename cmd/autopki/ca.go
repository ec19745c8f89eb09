package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/autosign-pki/internal/ca"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Certificate Authority management",
	Long: `Manage the CAs of the hierarchy one step at a time.

TYPE is one of root, intermediary or autosign.

Examples:
  # Prepare the directory layout of the root CA
  autopki ca setup root

  # Generate the root key and self-signed certificate
  autopki ca init

  # Have the parent sign a child CA
  autopki ca sign-sub intermediary

  # Regenerate the CRL of the autosign CA
  autopki ca crl autosign`,
}

var caSetupCmd = &cobra.Command{
	Use:   "setup TYPE",
	Short: "Create the directory layout and configuration of a CA",
	Args:  cobra.ExactArgs(1),
	RunE:  runCASetup,
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the root key and self-signed certificate",
	Args:  cobra.NoArgs,
	RunE:  runCAInit,
}

var caSignSubCmd = &cobra.Command{
	Use:   "sign-sub TYPE",
	Short: "Generate a child CA key and have its parent sign it",
	Args:  cobra.ExactArgs(1),
	RunE:  runCASignSub,
}

var caBundleCmd = &cobra.Command{
	Use:   "bundle TYPE",
	Short: "Rebuild the chain file of a CA",
	Args:  cobra.ExactArgs(1),
	RunE:  runCABundle,
}

var caCRLCmd = &cobra.Command{
	Use:   "crl TYPE",
	Short: "Regenerate the certificate revocation list of a CA",
	Args:  cobra.ExactArgs(1),
	RunE:  runCACRL,
}

var caIssueCmd = &cobra.Command{
	Use:   "issue FQDN",
	Short: "Issue a server key and certificate on the autosign CA",
	Args:  cobra.ExactArgs(1),
	RunE:  runCAIssue,
}

var caRevokeCmd = &cobra.Command{
	Use:   "revoke TYPE CERT",
	Short: "Revoke a certificate and regenerate the CRL",
	Args:  cobra.ExactArgs(2),
	RunE:  runCARevoke,
}

var caListCmd = &cobra.Command{
	Use:   "list TYPE",
	Short: "List the certificates recorded in a CA ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  runCAList,
}

var caExportCmd = &cobra.Command{
	Use:   "export FQDN",
	Short: "Export a server key, certificate and chain as PKCS#12",
	Args:  cobra.ExactArgs(1),
	RunE:  runCAExport,
}

var (
	caPassFile       string
	caExportOut      string
	caExportPassFile string
)

func init() {
	for _, c := range []*cobra.Command{caInitCmd, caSignSubCmd, caCRLCmd, caRevokeCmd} {
		c.Flags().StringVar(&caPassFile, "pass-file", "", "Passphrase file of the signing key (default: from configuration)")
	}
	caExportCmd.Flags().StringVarP(&caExportOut, "out", "o", "", "Output file (default: <fqdn>.p12)")
	caExportCmd.Flags().StringVar(&caExportPassFile, "password-file", "", "File holding the PKCS#12 password (required)")
	_ = caExportCmd.MarkFlagRequired("password-file")

	caCmd.AddCommand(caSetupCmd, caInitCmd, caSignSubCmd, caBundleCmd, caCRLCmd,
		caIssueCmd, caRevokeCmd, caListCmd, caExportCmd)
}

func runCASetup(cmd *cobra.Command, args []string) error {
	c, _, err := caFor(args[0])
	if err != nil {
		return err
	}
	if err := c.Setup(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "CA %s set up in %s\n", c.Name(), c.Layout().Base)
	return nil
}

func runCAInit(cmd *cobra.Command, args []string) error {
	c, _, err := caFor(string(ca.Root))
	if err != nil {
		return err
	}
	if c.State() == ca.Uninitialized {
		if err := c.Setup(cmd.Context()); err != nil {
			return err
		}
	}
	if err := c.InitCA(cmd.Context(), caPassFile); err != nil {
		return err
	}
	if err := c.UpdateBundle(nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Root CA %s initialized: %s\n", c.Name(), c.Layout().Cert())
	return nil
}

func runCASignSub(cmd *cobra.Command, args []string) error {
	c, h, err := caFor(args[0])
	if err != nil {
		return err
	}
	parent, ok := h.Parent(c)
	if !ok {
		return fmt.Errorf("%s CA is self-signed, use 'autopki ca init'", c.Type())
	}
	if c.State() == ca.Uninitialized {
		if err := c.Setup(cmd.Context()); err != nil {
			return err
		}
	}
	if _, err := os.Stat(c.Layout().Key()); err != nil {
		if err := c.GenKey(cmd.Context(), c.Layout().Config(), c.Name(), ""); err != nil {
			return err
		}
	}
	passFile := caPassFile
	if passFile == "" {
		passFile = parent.PasswordFile()
	}
	if err := h.SignChild(cmd.Context(), c, passFile); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "CA %s signed by %s: %s\n", c.Name(), parent.Name(), c.Layout().Cert())
	return nil
}

func runCABundle(cmd *cobra.Command, args []string) error {
	c, h, err := caFor(args[0])
	if err != nil {
		return err
	}
	parent, _ := h.Parent(c)
	if err := c.UpdateBundle(parent); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Bundle written: %s\n", c.Layout().Bundle())
	return nil
}

func runCACRL(cmd *cobra.Command, args []string) error {
	c, _, err := caFor(args[0])
	if err != nil {
		return err
	}
	if err := c.UpdateCRL(cmd.Context(), caPassFile); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "CRL written: %s\n", c.Layout().CRL())
	return nil
}

func runCAIssue(cmd *cobra.Command, args []string) error {
	c, _, err := caFor(string(ca.Autosign))
	if err != nil {
		return err
	}
	crt, err := c.Issue(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Certificate: %s\n", crt)
	fmt.Fprintf(out, "Key:         %s\n", c.Layout().KeyFor(args[0]))
	return nil
}

func runCARevoke(cmd *cobra.Command, args []string) error {
	c, _, err := caFor(args[0])
	if err != nil {
		return err
	}
	if err := c.Revoke(cmd.Context(), args[1], caPassFile); err != nil {
		return err
	}
	if err := c.UpdateCRL(cmd.Context(), caPassFile); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s, CRL written: %s\n", args[1], c.Layout().CRL())
	return nil
}

func runCAList(cmd *cobra.Command, args []string) error {
	c, _, err := caFor(args[0])
	if err != nil {
		return err
	}
	ledger, err := c.Ledger(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tSERIAL\tNOT AFTER\tCN\tCURRENT")
	for _, cn := range ledger.CommonNames() {
		current, _ := ledger.Current(cn)
		for _, rec := range ledger.Records(cn) {
			mark := ""
			if rec.Serial == current.Serial && rec.Status == ca.StatusValid {
				mark = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				rec.Status, rec.Serial, rec.NotAfter.Format(time.DateOnly), rec.CommonName, mark)
		}
	}
	return w.Flush()
}

func runCAExport(cmd *cobra.Command, args []string) error {
	c, _, err := caFor(string(ca.Autosign))
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(caExportPassFile)
	if err != nil {
		return fmt.Errorf("failed to read password file: %w", err)
	}
	pfx, err := c.ExportPKCS12(args[0], strings.TrimRight(string(raw), "\r\n"))
	if err != nil {
		return err
	}
	out := caExportOut
	if out == "" {
		out = args[0] + ".p12"
	}
	if err := os.WriteFile(out, pfx, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "PKCS#12 written: %s\n", out)
	return nil
}
