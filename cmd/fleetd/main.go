// fleetd - IoT fleet telemetry pipeline
//
// This is the main entry point for the fleet daemon. fleetd provisions
// devices, holds their sessions, routes every event through declarative
// rules and keeps shadows, detectors and security posture up to date.
//
// Subcommands:
//   - serve: run the daemon (default)
//   - migrate: apply database migrations and exit
//   - claim create: issue a provisioning claim for a device key
//   - rules validate: check a rule-set document without loading it
//   - version: print build information
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configPath is set by the --config flag.
var configPath string

var rootCmd = &cobra.Command{
	Use:           "fleetd",
	Short:         "IoT fleet telemetry pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	// Without a subcommand fleetd serves.
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), getConfigPath())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $FLEET_CONFIG or "+defaultConfigPath+")")

	rootCmd.AddGroup(
		&cobra.Group{ID: "daemon", Title: "Daemon:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1) //nolint:gocritic // cancel called explicitly above
	}
}

// getConfigPath returns the configuration file path.
// The --config flag wins, then FLEET_CONFIG, then the default.
func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if path := os.Getenv("FLEET_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
