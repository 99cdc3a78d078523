package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fentz26/shardrun/internal/registry"
	"github.com/fentz26/shardrun/internal/tui"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the artifact version registry",
}

var registryShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the live bundle version of every task and tag",
	Args:  cobra.NoArgs,
	RunE:  runRegistryShow,
}

var registrySubmissionsCmd = &cobra.Command{
	Use:   "submissions",
	Short: "List recorded submissions",
	Args:  cobra.NoArgs,
	RunE:  runRegistrySubmissions,
}

func init() {
	registryCmd.AddCommand(registryShowCmd, registrySubmissionsCmd)
}

func runRegistryShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	versions, err := registry.Snapshot(cmd.Context(), a.registry())
	if err != nil {
		return err
	}
	fmt.Print(tui.RegistryTable(versions.Entries()))
	return nil
}

func runRegistrySubmissions(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	subs, err := a.store.ListSubmissions(a.cfg.Task)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		fmt.Println("No submissions found")
		return nil
	}
	for _, s := range subs {
		fmt.Printf("%s  %s  %-12s %4d units  %s\n", truncateID(s.ID), s.CreatedAt.Local().Format("2006-01-02 15:04"), s.ProductionTag, s.Units, s.Dir)
	}
	return nil
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
