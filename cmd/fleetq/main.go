package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/robofleet/fleetq/cmd/fleetq/commands"
	"github.com/robofleet/fleetq/logger"
)

var rootCmd = &cobra.Command{
	Use:   "fleetq",
	Short: "fleetq - durable job queue and lease protocol for robot fleets",
	Long: `fleetq - durable job queue and lease protocol for robot fleets.

Jobs are submitted into a durable store, claimed atomically by robots,
and protected by heartbeat leases: a robot that crashes mid-job loses
its lease and the job is re-routed automatically.

Available commands:
  config - Show effective configuration
  db     - Manage the fleetq database
  submit - Submit a job to the queue
  jobs   - Inspect and manage jobs
  robots - Inspect the robot registry
  worker - Run a robot worker agent
  sweep  - Reclaim expired leases once

Examples:
  fleetq submit pallet.move --payload '{"pallet":"p-17"}' --environment warehouse-a
  fleetq worker start --environment warehouse-a
  fleetq jobs ls --status pending
  fleetq robots ls`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.SubmitCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.RobotsCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.SweepCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
