package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/property-catalog/internal/service"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check store connectivity and catalog counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, ctx, err := openCatalog(cmd, false)
		if err != nil {
			return err
		}
		defer catalog.Close()

		report := catalog.Health.Check(ctx)
		if jsonOutput(cmd) {
			if err := printJSON(report); err != nil {
				return err
			}
		} else {
			printHealth(report)
		}

		if report.Status == service.StatusDown {
			return fmt.Errorf("catalog is down")
		}
		return nil
	},
}

func printHealth(report *service.HealthReport) {
	fmt.Printf("Status: %s\n\n", report.Status)

	names := make([]string, 0, len(report.Components))
	for name := range report.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Println("Components:")
	for _, name := range names {
		c := report.Components[name]
		line := fmt.Sprintf("  %-11s %s", name, c.Status)
		if c.Status == service.StatusOK {
			line += fmt.Sprintf(" (%.1fms)", c.LatencyMs)
		}
		if c.Error != "" {
			line += " - " + c.Error
		}
		fmt.Println(line)
	}

	if report.Counts != nil {
		fmt.Println("\nCatalog:")
		fmt.Printf("  properties  %d\n", report.Counts.Properties)
		fmt.Printf("  images      %d\n", report.Counts.Images)
		fmt.Printf("  developers  %d (%d stubs)\n", report.Counts.Developers, report.Counts.DeveloperStubs)
		fmt.Printf("  cities      %d (%d stubs)\n", report.Counts.Cities, report.Counts.CityStubs)
	}

	if report.LastRun != nil {
		fmt.Println("\nLast run:")
		printRun(report.LastRun)
	}

	if len(report.Warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range report.Warnings {
			fmt.Printf("  - %s\n", w)
		}
	}
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
