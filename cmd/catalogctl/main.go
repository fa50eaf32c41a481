// Package main provides catalogctl, the operator CLI for the property catalog.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/property-catalog/internal/app"
	"github.com/property-catalog/internal/config"
	"github.com/property-catalog/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "catalogctl",
	Short: "Operate the property catalog",
	Long: `catalogctl runs and inspects catalog syncs directly against the stores.

Configuration is read from the environment and an optional .env file,
the same way the server and the worker read it.`,
	SilenceUsage: true,
}

func main() {
	// Ctrl-C cancels a running sync; it stops after the current page.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads configuration and sets up logging for a command
func loadConfig(cmd *cobra.Command) (*config.Config, context.Context, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); !verbose {
		cfg.Logging.Level = "warn"
	}
	cfg.Logging.Format = "text"
	logger := app.InitLogging(cfg)
	return cfg, logging.WithLogger(cmd.Context(), logger), nil
}

// openCatalog builds the component graph for a command
func openCatalog(cmd *cobra.Command, requireProvider bool) (*app.App, context.Context, error) {
	cfg, ctx, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	catalog, err := app.New(ctx, cfg, app.Options{RequireProvider: requireProvider})
	if err != nil {
		return nil, nil, err
	}
	return catalog, ctx, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Show info-level logs")
	rootCmd.PersistentFlags().Bool("json", false, "Output JSON")
}

func jsonOutput(cmd *cobra.Command) bool {
	asJSON, _ := cmd.Flags().GetBool("json")
	return asJSON
}
