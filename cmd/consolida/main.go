package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var version = "dev"

// noColor disables ANSI colors in CLI output. It is set from --no-color
// and defaults to true when stderr is not a terminal.
var noColor bool

var rootCmd = &cobra.Command{
	Use:   "consolida",
	Short: "Consolidate workforce spreadsheets from ZIP archives",
	Long: `consolida merges the spreadsheets of a ZIP archive into one table.

It asks a code model for a consolidation program, runs it in a sandbox,
retries with the failure trace, and falls back to a key-overlap merge
when every attempt fails.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !cmd.Flags().Changed("no-color") {
			noColor = !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd())
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(runCmd, inspectCmd, submitCmd, runsCmd, rulesCmd, configCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		printError("%v", err)
		os.Exit(1)
	}
}
