package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/robofleet/fleetq/queue"
	"github.com/robofleet/fleetq/registry"
)

// SweepCmd reclaims expired leases once and exits
var SweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reclaim expired job leases once",
	Long: `Run one sweep pass: running jobs whose lease has expired are requeued
(or terminally failed once their retry budget is spent), and robots that
have stopped heartbeating are marked offline.

Worker agents sweep continuously on their own; this command is for
operators and cron jobs on fleets with no long-running agent.

Example:
  fleetq sweep`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()

	reclaimed, err := queue.New(database).Sweep(ctx)
	if err != nil {
		return err
	}
	for _, r := range reclaimed {
		fmt.Printf("%s %s (retry %d/%d)\n", r.Outcome, r.Job.ID, r.Job.RetryCount, r.Job.MaxRetries)
	}

	reaped, err := registry.New(database).Reap(ctx, cfg.Registry.OfflineThreshold())
	if err != nil {
		return err
	}

	fmt.Printf("Reclaimed %d job(s), marked %d robot(s) offline\n", len(reclaimed), reaped)
	return nil
}
