package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent sync runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 || limit > 100 {
			limit = 20
		}

		catalog, ctx, err := openCatalog(cmd, false)
		if err != nil {
			return err
		}
		defer catalog.Close()

		runs, err := catalog.Runs.List(ctx, catalog.Config.Provider.Feed, limit)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(runs)
		}
		if len(runs) == 0 {
			fmt.Println("No sync runs recorded")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMODE\tSTATE\tSTARTED\tDURATION\tPAGES\tCREATED\tUPDATED\tSKIPPED\tFAILED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%d\t%d\t%d\t%d\t%d\n",
				r.ID, r.Mode, r.State, r.StartedAt.Format(time.RFC3339),
				r.Duration().Round(time.Second), r.PagesFetched, r.Created, r.Updated, r.Skipped, r.Failed)
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one sync run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, ctx, err := openCatalog(cmd, false)
		if err != nil {
			return err
		}
		defer catalog.Close()

		run, err := catalog.Runs.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(run)
		}
		printRun(run)
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "Number of runs to list (max 100)")
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}
