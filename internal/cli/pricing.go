package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Inspect model list prices used for usage estimates",
}

var pricingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all providers and their model pricing",
	RunE:  runPricingList,
}

func init() {
	rootCmd.AddCommand(pricingCmd)
	pricingCmd.AddCommand(pricingListCmd)
}

func runPricingList(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry, err := initPricing(cfg)
	if err != nil {
		return err
	}

	providers := registry.List()
	if len(providers) == 0 {
		fmt.Println("No pricing catalogs loaded. Check pricing.dir in config.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "PROVIDER\tMODEL\tINPUT ($/1M)\tOUTPUT ($/1M)\tCACHED INPUT ($/1M)\tUPDATED\n")

	for _, name := range providers {
		cat, err := registry.Get(name)
		if err != nil {
			return err
		}
		for _, m := range cat.Models {
			cached := "-"
			if m.CachedInputPerMillion > 0 {
				cached = fmt.Sprintf("$%.2f", m.CachedInputPerMillion)
			}
			fmt.Fprintf(w, "%s\t%s\t$%.2f\t$%.2f\t%s\t%s\n",
				cat.Provider, m.Model,
				m.InputPerMillion, m.OutputPerMillion,
				cached, cat.Updated,
			)
		}
	}
	w.Flush()

	return nil
}
