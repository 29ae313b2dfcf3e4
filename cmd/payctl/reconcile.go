package main

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harborline/paycore/internal/reconcile"
)

func newReconcileCmd() *cobra.Command {
	var orderID string
	var limit int

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a reconciliation pass and report discrepancies",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := parseWindow()
			if err != nil {
				return err
			}
			filter := reconcile.Filter{OrderID: orderID, From: from, To: to, Limit: limit}

			var report *reconcile.Report
			switch flagMode {
			case "direct":
				stores, err := openDirectStores()
				if err != nil {
					return err
				}
				defer stores.Close()
				report, err = stores.reconciler().Run(cmd.Context(), filter)
				if err != nil {
					return err
				}
			case "http":
				body, err := json.Marshal(filter)
				if err != nil {
					return err
				}
				data, err := postSignedJob(cmd.Context(), "/jobs/reconcile", body)
				if err != nil {
					return err
				}
				report = &reconcile.Report{}
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
				printReconcileReport(report)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&orderID, "order", "", "restrict the run to one order id")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of orders scanned")
	return cmd
}

func printReconcileReport(r *reconcile.Report) {
	bold := color.New(color.Bold)

	bold.Printf("Reconciliation %s\n", r.RunID)
	fmt.Printf("  generated   %s\n", r.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("  hash        %s\n", r.DeterministicHash)
	fmt.Printf("  scanned     %d orders (%d clean)\n", r.Summary.OrdersScanned, r.Summary.CleanOrders)

	if r.Summary.DiscrepancyCount == 0 {
		color.Green("  no discrepancies")
		return
	}

	fmt.Printf("  findings    %d (%d need manual review)\n\n",
		r.Summary.DiscrepancyCount, r.Summary.ManualReviewCount)

	for _, d := range r.Discrepancies {
		severity := severityPrinter(d.Severity)
		severity.Printf("  %-8s", d.Severity)
		fmt.Printf(" %-45s order=%s", d.Code, d.Order.OrderID)
		if d.ManualReviewRequired {
			color.New(color.FgHiRed).Print("  [manual review]")
		}
		fmt.Println()
	}
}

func severityPrinter(s reconcile.Severity) *color.Color {
	switch s {
	case reconcile.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case reconcile.SeverityWarning:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}
