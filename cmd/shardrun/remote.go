package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fentz26/shardrun/internal/cli"
	"github.com/fentz26/shardrun/internal/ctxlog"
	"github.com/fentz26/shardrun/internal/remotefs"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Maintain remote storage",
}

var remoteLsCmd = &cobra.Command{
	Use:   "ls [address]",
	Short: "List a remote directory (default: the configured remote base)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRemoteLs,
}

var remoteRmCmd = &cobra.Command{
	Use:   "rm [address]",
	Short: "Remove a remote file or directory tree",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemoteRm,
}

var remoteRmYes bool

func init() {
	remoteCmd.AddCommand(remoteLsCmd, remoteRmCmd)
	remoteRmCmd.Flags().BoolVarP(&remoteRmYes, "yes", "y", false, "Do not ask for confirmation")
}

// remoteAddress accepts either a full address or a path relative to the
// configured remote base.
func remoteAddress(args []string) (string, error) {
	if len(args) == 1 && strings.Contains(args[0], "//") {
		if _, _, err := remotefs.ParseAddress(args[0]); err != nil {
			return "", cli.Usage("%v", err)
		}
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if len(args) == 0 {
		return cfg.RemoteBase, nil
	}
	return remotefs.Join(cfg.RemoteBase, args[0]), nil
}

func runRemoteLs(cmd *cobra.Command, args []string) error {
	addr, err := remoteAddress(args)
	if err != nil {
		return err
	}
	client := remotefs.NewClient(remotefs.DefaultDialer)
	defer client.Close()

	names, err := client.List(cmd.Context(), addr)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runRemoteRm(cmd *cobra.Command, args []string) error {
	addr, err := remoteAddress(args)
	if err != nil {
		return err
	}
	if !remoteRmYes {
		fmt.Printf("Remove %s and everything below it? [y/N] ", addr)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted")
			return nil
		}
	}

	client := remotefs.NewClient(remotefs.DefaultDialer)
	defer client.Close()
	if err := client.RemoveRecursive(cmd.Context(), addr); err != nil {
		return err
	}
	ctxlog.FromContext(cmd.Context()).Info("removed remote path", "path", addr)
	return nil
}
