package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Autosign token management",
	Long: `Manage the per-host tokens the autosign API accepts.

Hosts normally obtain their token by enrolling (autopki client enroll);
these commands let an operator provision or inspect tokens by hand.`,
}

var tokenNewCmd = &cobra.Command{
	Use:   "new FQDN",
	Short: "Issue a token for a host",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenNew,
}

var tokenGetCmd = &cobra.Command{
	Use:   "get FQDN",
	Short: "Print the token of a host",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenGet,
}

var tokenDeleteCmd = &cobra.Command{
	Use:   "delete FQDN",
	Short: "Remove the token of a host",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenDelete,
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hosts holding a token",
	Args:  cobra.NoArgs,
	RunE:  runTokenList,
}

func init() {
	tokenCmd.AddCommand(tokenNewCmd, tokenGetCmd, tokenDeleteCmd, tokenListCmd)
}

func runTokenNew(cmd *cobra.Command, args []string) error {
	store, err := loadTokens()
	if err != nil {
		return err
	}
	token, err := store.Issue(args[0])
	if err != nil {
		return err
	}
	if err := app.recorder.TokenIssued(args[0], ""); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runTokenGet(cmd *cobra.Command, args []string) error {
	store, err := loadTokens()
	if err != nil {
		return err
	}
	token, ok := store.Get(args[0])
	if !ok {
		return fmt.Errorf("no token for %s", args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runTokenDelete(cmd *cobra.Command, args []string) error {
	store, err := loadTokens()
	if err != nil {
		return err
	}
	if err := store.Delete(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Token of %s removed\n", args[0])
	return nil
}

func runTokenList(cmd *cobra.Command, args []string) error {
	store, err := loadTokens()
	if err != nil {
		return err
	}
	for _, host := range store.Hosts() {
		fmt.Fprintln(cmd.OutOrStdout(), host)
	}
	return nil
}
