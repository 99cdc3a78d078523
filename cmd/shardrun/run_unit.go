package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fentz26/shardrun/internal/branchmap"
	"github.com/fentz26/shardrun/internal/cli"
	"github.com/fentz26/shardrun/internal/ctxlog"
	"github.com/fentz26/shardrun/internal/executor"
	"github.com/fentz26/shardrun/internal/models"
	"github.com/fentz26/shardrun/internal/remotefs"
)

var runUnitCmd = &cobra.Command{
	Use:   "run-unit",
	Short: "Run one unit of a submission on this host",
	Long: `Runs one unit with the settings recorded in the submission manifest.
No configuration file is read, so this works on batch workers that only
received the manifest.`,
	Args: cobra.NoArgs,
	RunE: runUnit,
}

var (
	unitSubmission string
	unitID         int
)

func init() {
	runUnitCmd.Flags().StringVar(&unitSubmission, "submission", "", "Submission directory (required)")
	runUnitCmd.Flags().IntVar(&unitID, "unit", -1, "Unit ID (required)")
	runUnitCmd.MarkFlagRequired("submission")
	runUnitCmd.MarkFlagRequired("unit")
}

func runUnit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := branchmap.LoadManifest(filepath.Join(unitSubmission, branchmap.ManifestFile))
	if err != nil {
		return err
	}
	u, err := m.Unit(unitID)
	if err != nil {
		return cli.Usage("%v", err)
	}

	settings := executor.ConfigFor(m)
	if settings.WorkDir, err = filepath.Abs(settings.WorkDir); err != nil {
		return err
	}
	settings.EnvScript = localScript(settings.EnvScript)

	remote := remotefs.NewClient(remotefs.DefaultDialer)
	defer remote.Close()

	ctx = ctxlog.WithLogger(ctx, ctxlog.FromContext(ctx).With("submission", m.ID))
	// The state line is what the local dispatcher shows next to the unit.
	ex, err := executor.New(settings, remote, executor.WithStateFunc(func(u models.WorkUnit, s models.UnitState) {
		fmt.Printf("unit %d: %s\n", u.ID, s)
	}))
	if err != nil {
		return err
	}

	res, err := ex.Run(ctx, u)
	if err != nil {
		return err
	}
	for _, out := range res.Outputs {
		fmt.Println(out)
	}
	return nil
}

// localScript returns path when it exists on this host. Otherwise a copy
// transferred next to the job, under the same base name, is used.
func localScript(path string) string {
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	if _, err := os.Stat(filepath.Base(path)); err == nil {
		if abs, err := filepath.Abs(filepath.Base(path)); err == nil {
			return abs
		}
	}
	return path
}
