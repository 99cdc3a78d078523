package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fentz26/shardrun/internal/cli"
	"github.com/fentz26/shardrun/internal/ctxlog"
)

var rootCmd = &cobra.Command{
	Use:   "shardrun",
	Short: "shardrun - split input files into work units and run them",
	Long: `shardrun partitions dataset file lists into numbered work units, caches the
processor bundle on remote storage, renders the batch submit description and
runs single units on worker hosts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch logLevel {
		case "debug", "info", "warn", "error":
		default:
			return cli.Usage("invalid log-level %q: must be 'debug', 'info', 'warn', or 'error'", logLevel)
		}
		switch logFormat {
		case "text", "json":
		default:
			return cli.Usage("invalid log-format %q: must be 'text' or 'json'", logFormat)
		}
		logger := ctxlog.New(logLevel, logFormat, os.Stderr)
		slog.SetDefault(logger)
		cmd.SetContext(ctxlog.WithLogger(cmd.Context(), logger))
		return nil
	},
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	configPath string
	logLevel   string
	logFormat  string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "shardrun.yaml", "Path to the configuration file (.yaml or .hcl)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &cli.ExitError{Code: cli.ExitUsage, Message: err.Error()}
	})

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(runUnitCmd)
	rootCmd.AddCommand(localCmd)
	rootCmd.AddCommand(branchesCmd)
	rootCmd.AddCommand(registryCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		code := cli.Code(err)
		ctxlog.FromContext(rootCmd.Context()).Error("command failed", "error", err, "exit_code", code)
		if code == cli.ExitUsage {
			fmt.Fprintln(os.Stderr, "Run 'shardrun --help' for usage.")
		}
		os.Exit(code)
	}
}
