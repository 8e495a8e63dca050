package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/jobs"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run the daily cost collection",
	Long: `Collect cost and usage for every tenant and enabled provider over the
lookback window. Without --force the run claims today's execution marker and
does nothing if it was already claimed.`,
	RunE: runCollect,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate alert rules once",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(checkCmd)
	collectCmd.Flags().Bool("force", false, "Collect even if today's run already happened")
}

func runCollect(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")

	a, err := initApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	var report *jobs.CollectionReport
	if force {
		report, err = a.daily.Collect(cmd.Context())
	} else {
		report, err = a.daily.Run(cmd.Context())
	}
	if errors.Is(err, jobs.ErrAlreadyExecuted) {
		fmt.Println("Already executed today. Use --force to collect again.")
		return nil
	}
	if report != nil {
		fmt.Printf("Run:            %s\n", report.RunID)
		fmt.Printf("Organizations:  %d (%d failed)\n", report.Organizations, report.FailedOrganizations)
		fmt.Printf("Cost records:   %d collected, %d new\n", report.RecordsCollected, report.RecordsCreated)
		fmt.Printf("Usage records:  %d collected, %d new\n", report.UsageCollected, report.UsageCreated)
		if report.Dropped > 0 {
			fmt.Printf("Dropped:        %d lines for unlinked projects\n", report.Dropped)
		}
		fmt.Printf("Duration:       %s\n", report.Duration)
	}
	return err
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := initApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	sum, err := a.poll.Run(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Rules:      %d (%d evaluated, %d throttled, %d errors)\n", sum.Rules, sum.Evaluated, sum.Throttled, sum.Errors)
	fmt.Printf("Breaches:   %d\n", sum.Breaches)
	fmt.Printf("Alerts:     %d sent, %d failed\n", sum.AlertsSent, sum.AlertsFailed)
	return nil
}
