package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fentz26/shardrun/internal/jobconfig"
	"github.com/fentz26/shardrun/internal/submission"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Prepare a submission directory",
	Long: `Partitions the configured datasets into units, reuses or uploads the
processor bundle and writes the manifest and the HTCondor submit description.`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

var (
	submitForce      bool
	submitExecutable string
)

func init() {
	submitCmd.Flags().BoolVar(&submitForce, "force", false, "Repackage and upload the bundle even if the registered one exists")
	submitCmd.Flags().StringVar(&submitExecutable, "executable", "", "Bootstrap executable named in the submit description (default: this binary)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	exe := submitExecutable
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
	}

	svc := submission.NewService(a.cfg, a.registry(), a.remote,
		submission.WithRecorder(a.store),
		submission.WithAudit(a.pdr),
		submission.WithExecutable(exe),
	)
	res, err := svc.Submit(cmd.Context(), submitForce)
	if err != nil {
		return err
	}

	fmt.Printf("Submission: %s\n", res.ID)
	fmt.Printf("Directory:  %s\n", res.Dir)
	fmt.Printf("Units:      %d\n", len(res.Manifest.Units))
	fmt.Printf("Artifact:   %s\n", res.Manifest.Artifact.RemotePath)
	fmt.Printf("\nSubmit with: condor_submit %s\n", filepath.Join(res.Dir, jobconfig.SubmitFile))
	return nil
}
