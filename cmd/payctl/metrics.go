package main

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harborline/paycore/internal/slo"
)

func newMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Take a metrics snapshot and evaluate SLO targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := parseWindow()
			if err != nil {
				return err
			}
			window := slo.Window{From: from, To: to}

			var report *slo.Report
			switch flagMode {
			case "direct":
				stores, err := openDirectStores()
				if err != nil {
					return err
				}
				defer stores.Close()
				engine, err := stores.sloEngine()
				if err != nil {
					return err
				}
				report, err = engine.Snapshot(cmd.Context(), window)
				if err != nil {
					return err
				}
			case "http":
				body, err := json.Marshal(window)
				if err != nil {
					return err
				}
				data, err := postSignedJob(cmd.Context(), "/jobs/metrics", body)
				if err != nil {
					return err
				}
				report = &slo.Report{}
				if err := json.Unmarshal(data, report); err != nil {
					return fmt.Errorf("undecodable report: %w", err)
				}
			default:
				return fmt.Errorf("unknown --mode %q (want direct or http)", flagMode)
			}

			printSummary, err := emitReport(report)
			if err != nil {
				return err
			}
			if printSummary {
				printMetricsReport(report)
			}
			return nil
		},
	}
	return cmd
}

func printMetricsReport(r *slo.Report) {
	bold := color.New(color.Bold)

	bold.Println("Metrics snapshot")
	fmt.Printf("  window      %s .. %s\n",
		r.Window.From.Format("2006-01-02 15:04:05"), r.Window.To.Format("2006-01-02 15:04:05"))
	fmt.Printf("  hash        %s\n", r.Hash)
	fmt.Printf("  recon hash  %s\n", r.ReconciliationHash)

	fmt.Printf("  lifecycle   created→accepted p95 %.0fms (%d), accepted→completed p95 %.0fms (%d)",
		r.Lifecycle.CreatedToAccepted.P95, r.Lifecycle.CreatedToAccepted.Count,
		r.Lifecycle.AcceptedToCompleted.P95, r.Lifecycle.AcceptedToCompleted.Count)
	if r.Lifecycle.Fallbacks > 0 {
		fmt.Printf(", %d fallback timings", r.Lifecycle.Fallbacks)
	}
	fmt.Println()

	if len(r.SLOResults) == 0 {
		color.New(color.Faint).Println("  no SLO targets loaded")
		return
	}

	fmt.Println()
	for _, res := range r.SLOResults {
		statusPrinter(res.Status).Printf("  %-8s", res.Status)
		fmt.Printf(" %-32s %s=%.1f", res.Name, res.Metric, res.Value)
		if res.PagingTrigger {
			color.New(color.FgHiRed, color.Bold).Print("  [PAGING]")
		}
		fmt.Println()
	}
}

func statusPrinter(status string) *color.Color {
	switch status {
	case slo.SLOPass:
		return color.New(color.FgGreen)
	case slo.SLOWarn:
		return color.New(color.FgYellow)
	case slo.SLOFail:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.Faint)
	}
}
