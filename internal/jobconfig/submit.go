package jobconfig

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/fentz26/shardrun/internal/branchmap"
	"github.com/fentz26/shardrun/internal/models"
)

// SubmitFile is the submit description's name inside a submission directory.
const SubmitFile = "submit.jdl"

// SubmitOptions control the per-unit part of a submit description.
type SubmitOptions struct {
	// Executable is the bootstrap run on the worker, usually the shardrun
	// binary.
	Executable    string
	SubmissionDir string
	LogDir        string
	// TransferFiles are shipped to the job's working directory in addition
	// to the manifest.
	TransferFiles []string
	Units         []models.WorkUnit
}

// Render writes an HTCondor submit description with one queue statement per
// unit. The manifest is transferred with every job, so workers need no
// shared filesystem with the submitting host.
func Render(w io.Writer, desc models.JobDescriptor, opts SubmitOptions) error {
	if opts.Executable == "" {
		return fmt.Errorf("render submit description: executable is required")
	}
	logDir := opts.LogDir
	if logDir == "" {
		logDir = filepath.Join(opts.SubmissionDir, "logs")
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "executable = %s\n", opts.Executable)
	fmt.Fprintf(bw, "log = %s\n", filepath.Join(logDir, "condor.log"))
	fmt.Fprintln(bw, "getenv = False")
	fmt.Fprintln(bw, "should_transfer_files = YES")
	fmt.Fprintln(bw, "when_to_transfer_output = ON_EXIT")
	transfer := append([]string{filepath.Join(opts.SubmissionDir, branchmap.ManifestFile)}, opts.TransferFiles...)
	fmt.Fprintf(bw, "transfer_input_files = %s\n", strings.Join(transfer, ", "))
	for _, d := range desc.CustomDirectives {
		if d.Key == "environment" {
			continue
		}
		fmt.Fprintf(bw, "%s = %s\n", d.Key, d.Value)
	}
	for _, u := range opts.Units {
		unitDesc := ForUnit(desc, u)
		env, _ := unitDesc.Directive("environment")
		fmt.Fprintln(bw)
		fmt.Fprintf(bw, "arguments = run-unit --submission . --unit %d\n", u.ID)
		fmt.Fprintf(bw, "output = %s\n", filepath.Join(logDir, fmt.Sprintf("unit_%d.out", u.ID)))
		fmt.Fprintf(bw, "error = %s\n", filepath.Join(logDir, fmt.Sprintf("unit_%d.err", u.ID)))
		if env != "" {
			fmt.Fprintf(bw, "environment = %s\n", env)
		}
		fmt.Fprintln(bw, "queue")
	}
	return bw.Flush()
}
