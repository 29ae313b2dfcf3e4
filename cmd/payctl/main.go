// Command payctl is the operator CLI for the payments core.
//
// It runs reconciliation and metrics snapshots either in-process against the
// configured database ("direct" mode) or through a running server's signed
// job endpoints ("http" mode):
//
//	payctl reconcile --from 2026-08-01T00:00:00Z --to 2026-08-02T00:00:00Z
//	payctl reconcile --mode http --server http://localhost:8080 --order ord_123
//	payctl metrics --out report.json --json
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	flagMode   string
	flagServer string
	flagSecret string
	flagFrom   string
	flagTo     string
	flagOut    string
	flagJSON   bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "payctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "payctl",
		Short:         "Operator CLI for the payments core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagMode, "mode", "direct", "execution mode: direct or http")
	root.PersistentFlags().StringVar(&flagServer, "server", "http://localhost:8080", "server base URL (http mode)")
	root.PersistentFlags().StringVar(&flagSecret, "secret", "", "job signing secret (http mode; defaults to JOB_SIGNING_SECRET)")
	root.PersistentFlags().StringVar(&flagFrom, "from", "", "window start (RFC3339)")
	root.PersistentFlags().StringVar(&flagTo, "to", "", "window end (RFC3339)")
	root.PersistentFlags().StringVar(&flagOut, "out", "", "write the full JSON report to this path")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "print the full JSON report instead of a summary")

	root.AddCommand(newReconcileCmd(), newMetricsCmd(), newVerifyCmd())
	return root
}

// parseWindow turns the --from/--to flags into timestamps. Empty flags leave
// the bound open.
func parseWindow() (from, to time.Time, err error) {
	if flagFrom != "" {
		from, err = time.Parse(time.RFC3339, flagFrom)
		if err != nil {
			return from, to, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if flagTo != "" {
		to, err = time.Parse(time.RFC3339, flagTo)
		if err != nil {
			return from, to, fmt.Errorf("invalid --to: %w", err)
		}
	}
	return from, to, nil
}

func jobSecret() string {
	if flagSecret != "" {
		return flagSecret
	}
	return os.Getenv("JOB_SIGNING_SECRET")
}
