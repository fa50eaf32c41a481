package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/property-catalog/internal/models"
	"github.com/property-catalog/internal/service"
	"github.com/property-catalog/internal/types"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one catalog sync and wait for it",
	Long: `Run one sync of the provider feed into the catalog.

Modes:
  full         start at the first page and ignore the page budget
  incremental  start at the first page, stop at the budget
  resume       continue from the last run's committed cursor (default)

If another process is already syncing the feed, the command reports
the active run and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		modeFlag, _ := cmd.Flags().GetString("mode")
		maxPages, _ := cmd.Flags().GetInt("max-pages")
		maxDuration, _ := cmd.Flags().GetDuration("max-duration")

		mode := types.SyncMode(strings.ToLower(modeFlag))
		switch mode {
		case types.SyncModeFull, types.SyncModeIncremental, types.SyncModeResume:
		default:
			return fmt.Errorf("unknown mode %q", modeFlag)
		}

		catalog, ctx, err := openCatalog(cmd, true)
		if err != nil {
			return err
		}
		defer catalog.Close()

		start := time.Now()
		run, err := catalog.Orchestrator.Run(ctx, service.RunRequest{
			Mode:        mode,
			MaxPages:    maxPages,
			MaxDuration: maxDuration,
		})
		if run != nil {
			if jsonOutput(cmd) {
				if perr := printJSON(run); perr != nil {
					return perr
				}
			} else {
				printRun(run)
				fmt.Printf("Elapsed: %v\n", time.Since(start).Round(time.Millisecond))
			}
		}
		return err
	},
}

func printRun(run *models.SyncRun) {
	fmt.Printf("Run %s (%s, %s)\n", run.ID, run.Mode, run.State)
	fmt.Printf("  Pages:      %d (cursor %q -> %q, exhausted=%v)\n", run.PagesFetched, run.CursorStart, run.CursorCommitted, run.Exhausted)
	fmt.Printf("  Created:    %d\n", run.Created)
	fmt.Printf("  Updated:    %d\n", run.Updated)
	fmt.Printf("  Unchanged:  %d\n", run.Unchanged)
	fmt.Printf("  Skipped:    %d\n", run.Skipped)
	fmt.Printf("  Failed:     %d\n", run.Failed)
	fmt.Printf("  Duplicates: %d\n", run.Duplicates)
	fmt.Printf("  Enriched:   %d\n", run.Enriched)
	if run.Error != nil {
		fmt.Printf("  Error:      %s\n", *run.Error)
	}
}

func init() {
	syncCmd.Flags().String("mode", string(types.SyncModeResume), "Sync mode: full, incremental or resume")
	syncCmd.Flags().Int("max-pages", 0, "Page budget (0 uses SYNC_MAX_PAGES)")
	syncCmd.Flags().Duration("max-duration", 0, "Time budget (0 uses SYNC_MAX_DURATION)")
	rootCmd.AddCommand(syncCmd)
}
