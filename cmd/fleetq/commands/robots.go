package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/robofleet/fleetq/registry"
)

// RobotsCmd inspects the robot registry
var RobotsCmd = &cobra.Command{
	Use:   "robots",
	Short: "Inspect the robot registry",
	Long: `Inspect the robot registry.

Examples:
  fleetq robots ls                          # List all registered robots
  fleetq robots ls --environment warehouse-a  # Robots eligible for a tag`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var robotsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered robots",
	RunE: func(cmd *cobra.Command, args []string) error {
		environment, _ := cmd.Flags().GetString("environment")
		return runRobotsLs(environment)
	},
}

func init() {
	robotsLsCmd.Flags().String("environment", "", "Only show robots eligible for this routing tag")
	RobotsCmd.AddCommand(robotsLsCmd)
}

func runRobotsLs(environment string) error {
	database, _, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	reg := registry.New(database)
	ctx := context.Background()

	eligible := map[string]bool{}
	if environment != "" {
		ids, err := reg.ListEligible(ctx, environment)
		if err != nil {
			return err
		}
		for _, id := range ids {
			eligible[id] = true
		}
	}

	workers, err := reg.ListWorkers(ctx)
	if err != nil {
		return err
	}

	if len(workers) == 0 {
		fmt.Println("No robots registered")
		return nil
	}

	fmt.Printf("%-40s %-9s %-24s %-6s %s\n", "ROBOT ID", "STATUS", "ENVIRONMENTS", "JOBS", "LAST HEARTBEAT")
	shown := 0
	for _, w := range workers {
		if environment != "" && !eligible[w.ID] {
			continue
		}
		shown++
		fmt.Printf("%-40s %-9s %-24s %d/%-4d %s\n",
			truncate(w.ID, 40),
			w.Status,
			truncate(strings.Join(w.Environments, ","), 24),
			w.CurrentJobs, w.MaxConcurrentJobs,
			humanAge(w.LastHeartbeat))
	}
	fmt.Printf("\nTotal: %d robot(s)\n", shown)
	return nil
}

func humanAge(t time.Time) string {
	age := time.Since(t).Round(time.Second)
	if age < 0 {
		age = 0
	}
	return fmt.Sprintf("%s ago", age)
}
