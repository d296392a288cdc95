// Package main implements the tabledoc CLI, which turns input tables into
// verified prose documents.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// flags shared by every command.
type flags struct {
	configPath string
	input      string
	output     string
	statusAddr string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "tabledoc",
		Short: "Convert JSON tables into verified prose documents",
		Long: `tabledoc reads every *.json table in the input directory and writes one
prose document per table to the output directory. Intermediate results are
cached per job, so an interrupted run resumes where it stopped.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&f.configPath, "config", "", "config file (.yaml, .yml or .toml)")
	root.PersistentFlags().StringVar(&f.input, "input", "", "input table directory (overrides paths.input)")
	root.PersistentFlags().StringVar(&f.output, "output", "", "output document directory (overrides paths.output)")
	root.PersistentFlags().StringVar(&f.statusAddr, "status-addr", "", "serve job status on this address (enables the status server)")

	root.AddCommand(newRunCmd(f), newWatchCmd(f), newStatusCmd(f), newVersionCmd())
	return root
}

func newRunCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one pass over every input table",
		Long: `Run one pass over every input table. Tables whose final document already
exists are skipped. The command exits non-zero when any job failed.

Examples:
  tabledoc run
  tabledoc run --input tables --output docs --status-addr 127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return runOnce(cmd.Context(), cfg)
		},
	}
}

func newWatchCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run a pass, then another whenever new input tables appear",
		Long: `Run an initial pass, then watch the input directory and start a new pass
whenever a *.json table is created or rewritten. Bursts of changes are
debounced (watch.debounce). Stop with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), cfg)
		},
	}
}

func newStatusCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-job progress from the output directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), cfg)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tabledoc by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
