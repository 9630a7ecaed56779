package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glorpus-work/pahkat/internal/cli"
	"github.com/glorpus-work/pahkat/internal/logger"
)

var (
	prefixPath string
	verbose    bool
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pahkat",
		Short: "A package manager for language technology",
		Long: `pahkat installs keyboards, spellers and related tooling from
pahkat repositories into a self-contained prefix.`,
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			level := "info"
			if verbose {
				level = "debug"
			}
			logger.InitLogger(level)
		},
	}

	cmd.PersistentFlags().StringVarP(&prefixPath, "prefix", "c", "", "prefix directory (defaults to the working directory)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	cli.PrefixPath = &prefixPath
	cli.Verbose = &verbose

	cmd.AddCommand(
		cli.NewInitCmd(),
		cli.NewConfigCmd(),
		cli.NewInstallCmd(),
		cli.NewUninstallCmd(),
		cli.NewStatusCmd(),
		cli.NewDownloadCmd(),
	)
	return cmd
}
