package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/robofleet/fleetq/config"
)

// ConfigCmd shows the effective fleetq configuration
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage fleetq configuration",
	Long: `Manage fleetq configuration.

Configuration is read from (in order of precedence):
  1. FLEETQ_* environment variables
  2. The TOML file at $FLEETQ_CONFIG, ./fleetq.toml, or ~/.config/fleetq/fleetq.toml
  3. Built-in defaults

Examples:
  fleetq config show`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	RunE:  runConfigShow,
}

func init() {
	ConfigCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fmt.Printf("Config file: %s\n\n", config.DefaultConfigPath())

	fmt.Println("[database]")
	fmt.Printf("path = %q\n\n", cfg.Database.Path)

	fmt.Println("[queue]")
	fmt.Printf("claim_batch_size       = %d\n", cfg.Queue.ClaimBatchSize)
	fmt.Printf("lease_seconds          = %d\n", cfg.Queue.LeaseSeconds)
	fmt.Printf("sweep_interval_seconds = %d\n", cfg.Queue.SweepIntervalSeconds)
	fmt.Printf("default_max_retries    = %d\n\n", cfg.Queue.DefaultMaxRetries)

	fmt.Println("[worker]")
	fmt.Printf("environments          = [%s]\n", strings.Join(cfg.Worker.Environments, ", "))
	fmt.Printf("max_concurrent_jobs   = %d\n", cfg.Worker.MaxConcurrentJobs)
	fmt.Printf("poll_interval_seconds = %d\n", cfg.Worker.PollIntervalSeconds)
	fmt.Printf("heartbeat_seconds     = %d\n\n", cfg.Worker.HeartbeatSeconds)

	fmt.Println("[registry]")
	fmt.Printf("offline_threshold_seconds = %d\n", cfg.Registry.OfflineThresholdSeconds)
	fmt.Printf("reap_interval_seconds     = %d\n", cfg.Registry.ReapIntervalSeconds)

	return nil
}
