package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fentz26/shardrun/internal/branchmap"
	"github.com/fentz26/shardrun/internal/tui"
)

var branchesCmd = &cobra.Command{
	Use:   "branches",
	Short: "List the units the configured datasets split into",
	Args:  cobra.NoArgs,
	RunE:  runBranches,
}

var branchesScope string

func init() {
	branchesCmd.Flags().StringVar(&branchesScope, "scope", "", "Scope shown in the output column (default: first configured scope)")
}

func runBranches(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	datasets, err := cfg.BranchDatasets()
	if err != nil {
		return err
	}
	units, err := branchmap.Build(datasets, cfg.FilesPerUnit)
	if err != nil {
		return err
	}

	scopes := cfg.Scopes
	if branchesScope != "" {
		scopes = []string{branchesScope}
	}
	fmt.Print(tui.UnitTable(units, scopes, cfg.OutputExt))
	fmt.Printf("\n%d datasets, %d units, %d files per unit\n", len(datasets), len(units), cfg.FilesPerUnit)
	return nil
}
