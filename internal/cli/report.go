package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/reporting"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate cost reports",
	Long: `Generate billed cost reports by project and line item for a calendar period,
with the list-price estimate of the same period's token usage alongside.`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().StringP("period", "P", "daily", "Report period (daily, weekly, monthly)")
	reportCmd.Flags().StringP("provider", "p", "", "Filter by provider")
	reportCmd.Flags().String("tenant", "", "Filter by tenant ID")
	reportCmd.Flags().String("project", "", "Filter by project ID")
	reportCmd.Flags().String("line-item", "", "Filter by line item")
	reportCmd.Flags().Bool("detailed", false, "Show individual records")
}

func runReport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	period, _ := cmd.Flags().GetString("period")
	providerFilter, _ := cmd.Flags().GetString("provider")
	tenantFilter, _ := cmd.Flags().GetString("tenant")
	projectFilter, _ := cmd.Flags().GetString("project")
	lineItemFilter, _ := cmd.Flags().GetString("line-item")
	detailed, _ := cmd.Flags().GetBool("detailed")

	switch model.ReportPeriod(period) {
	case model.PeriodDaily, model.PeriodWeekly, model.PeriodMonthly:
	default:
		return fmt.Errorf("unknown period %q", period)
	}

	store, err := initStorage(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	prices, err := initPricing(cfg)
	if err != nil {
		return err
	}
	reporter := reporting.New(store, prices)

	filter := model.CostFilter{
		TenantID:  tenantFilter,
		ProjectID: projectFilter,
		Provider:  providerFilter,
		LineItem:  lineItemFilter,
	}

	rep, err := reporter.Period(cmd.Context(), model.ReportPeriod(period), time.Now(), filter)
	if err != nil {
		return err
	}

	fmt.Printf("=== LLM Spend Report (%s) ===\n", period)
	fmt.Printf("Period: %s to %s (UTC)\n\n", rep.Start.Format(time.DateOnly), rep.End.Format(time.DateOnly))
	fmt.Printf("Billed Cost:         $%.4f\n", rep.TotalCost)
	fmt.Printf("Cost Records:        %d\n", rep.RecordCount)
	fmt.Printf("Input Tokens:        %d\n", rep.InputTokens)
	fmt.Printf("Output Tokens:       %d\n", rep.OutputTokens)
	fmt.Printf("Estimated Usage:     $%.4f\n", rep.EstimatedUsageCost)
	if len(rep.UnpricedModels) > 0 {
		fmt.Printf("Unpriced Models:     %v\n", rep.UnpricedModels)
	}

	printBreakdown("By Project:", "PROJECT", rep.ByProject)
	printBreakdown("By Line Item:", "LINE ITEM", rep.ByLineItem)

	if detailed {
		filter.StartTime, filter.EndTime = rep.Start, rep.End
		records, err := reporter.Costs(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("query records: %w", err)
		}

		if len(records) > 0 {
			fmt.Printf("\nDetailed Records:\n")
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "  BUCKET\tPROVIDER\tLINE ITEM\tAMOUNT\tPROJECT\n")
			for _, r := range records {
				fmt.Fprintf(w, "  %s\t%s\t%s\t$%.6f %s\t%s\n",
					r.BucketStart.UTC().Format("2006-01-02 15:04"),
					r.Provider, r.LineItem,
					r.Amount, r.Currency, r.ProjectID,
				)
			}
			w.Flush()
		}
	}

	return nil
}

func printBreakdown(title, column string, values map[string]float64) {
	if len(values) == 0 {
		return
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return values[keys[i]] > values[keys[j]] })

	fmt.Printf("\n%s\n", title)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  %s\tCOST\n", column)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s\t$%.4f\n", k, values[k])
	}
	w.Flush()
}
