package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/divitel/kroket-quota/internal/reconcile"
)

var (
	// Version is the current version of quota (overridden by ldflags at build time)
	Version = "0.3.0"
	// Build can be set via ldflags at compile time
	Build = "dev"
)

const usageText = `Usage:
  quota             detect mismatches and reprovision, or escalate above the cutoff
  quota --manual    reprovision the customers listed in the worklist

Configuration is read from $QUOTA_CONFIG, ./quota.yaml or
~/.config/quota/config.yaml, and QUOTA_* environment variables.`

var rootCmd = &cobra.Command{
	Use:   "quota [--manual]",
	Short: "quota - NPVR quota reconciliation",
	Long: `Compares every customer's provisioned NPVR quota against the quota their
bundles entitle them to and reprovisions mismatches. When more customers
mismatch than the cutoff allows, nothing is reprovisioned: the targets are
written to the worklist and a ticket is raised for a manual run.`,
	// The argument contract is exact; ParseMode owns it.
	DisableFlagParsing: true,
	SilenceUsage:       true,
	SilenceErrors:      true,
	Args:               cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := run(cmd.Context(), args, cmd.ErrOrStderr())
		if code := exitCode(res, err); code != 0 {
			return errExit
		}
		return nil
	},
}

// execute returns the process exit status for args. Arguments outside the
// contract never reach cobra, so its built-in subcommands cannot claim them.
func execute(ctx context.Context, args []string, stderr io.Writer) int {
	if _, err := reconcile.ParseMode(args); err != nil {
		return exitCode(run(ctx, args, stderr))
	}
	rootCmd.SetArgs(args)
	rootCmd.SetErr(stderr)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}
