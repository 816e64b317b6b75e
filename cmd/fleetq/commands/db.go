package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/robofleet/fleetq/queue"
)

// DbCmd manages the fleetq database
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the fleetq database",
	Long: `Manage the fleetq database.

Examples:
  fleetq db migrate                 # Apply pending schema migrations
  fleetq db stats                   # Show queue depth by status
  fleetq db cleanup --older-than 168h  # Remove terminal jobs older than a week`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

var dbCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old terminal jobs",
	RunE:  runDbCleanup,
}

var cleanupOlderThanFlag time.Duration

func init() {
	dbCleanupCmd.Flags().DurationVar(&cleanupOlderThanFlag, "older-than", 7*24*time.Hour,
		"Remove completed/failed/cancelled jobs older than this")

	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbCleanupCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Printf("Database %s is up to date\n", cfg.Database.Path)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := queue.NewStore(database).GetStats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Database: %s\n\n", cfg.Database.Path)
	fmt.Printf("%-12s %s\n", "STATUS", "COUNT")
	fmt.Printf("%-12s %d\n", "pending", stats.Pending)
	fmt.Printf("%-12s %d\n", "running", stats.Running)
	fmt.Printf("%-12s %d\n", "completed", stats.Completed)
	fmt.Printf("%-12s %d\n", "failed", stats.Failed)
	fmt.Printf("%-12s %d\n", "cancelled", stats.Cancelled)
	fmt.Printf("%-12s %d\n", "total", stats.Total)
	return nil
}

func runDbCleanup(cmd *cobra.Command, args []string) error {
	database, _, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	removed, err := queue.NewStore(database).CleanupOldJobs(context.Background(), cleanupOlderThanFlag)
	if err != nil {
		return err
	}

	fmt.Printf("Removed %d terminal job(s) older than %s\n", removed, cleanupOlderThanFlag)
	return nil
}
