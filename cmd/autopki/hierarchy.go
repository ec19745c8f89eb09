package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/remiblancher/autosign-pki/internal/ca"
)

var hierarchyCmd = &cobra.Command{
	Use:   "hierarchy",
	Short: "Whole hierarchy operations",
}

var hierarchyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Bring the root, intermediary and autosign CAs to active",
	Long: `Set up, initialize and sign every CA of the hierarchy, skipping the
steps already done. The root and intermediary keys are encrypted with the
password files named in the configuration.`,
	Args: cobra.NoArgs,
	RunE: runHierarchyInit,
}

func init() {
	hierarchyCmd.AddCommand(hierarchyInitCmd)
}

func runHierarchyInit(cmd *cobra.Command, args []string) error {
	h, err := newHierarchy()
	if err != nil {
		return err
	}
	if err := h.Init(cmd.Context()); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, t := range ca.Types {
		c := h.CA(t)
		fmt.Fprintf(out, "%-14s %-24s %s\n", t, c.Name(), c.State())
	}
	return nil
}
