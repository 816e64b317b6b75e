package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/robofleet/fleetq/errors"
	"github.com/robofleet/fleetq/queue"
)

// JobsCmd inspects and manages jobs
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage jobs",
	Long: `Inspect and manage jobs.

Examples:
  fleetq jobs ls                      # List recent jobs
  fleetq jobs ls --status pending     # Only pending jobs
  fleetq jobs status jb_abc123        # Show one job in detail
  fleetq jobs cancel jb_abc123        # Cancel a pending or running job
  fleetq jobs retry jb_abc123         # Resubmit a failed/cancelled job`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		environment, _ := cmd.Flags().GetString("environment")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsLs(status, environment, limit)
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show job details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsStatus(args[0])
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Long: `Cancel a pending or running job.

Cancellation does not preempt a robot mid-execution: a running holder
discovers the cancellation when its next lease heartbeat is rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return runJobsCancel(args[0], reason)
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Resubmit a failed or cancelled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsRetry(args[0])
	},
}

func init() {
	jobsLsCmd.Flags().String("status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	jobsLsCmd.Flags().String("environment", "", "Filter by routing tag")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")
	jobsCancelCmd.Flags().String("reason", "cancelled by operator", "Reason recorded on the job")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
	JobsCmd.AddCommand(jobsRetryCmd)
}

func runJobsLs(status, environment string, limit int) error {
	if status != "" && !queue.IsValidStatus(status) {
		return errors.NewInvalidRequestError("unknown status %q", status)
	}

	database, _, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := queue.NewStore(database).ListJobs(context.Background(), queue.ListFilter{
		Status:      queue.JobStatus(status),
		Environment: environment,
		Limit:       limit,
	})
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-40s %-10s %-22s %-14s %-8s %s\n", "JOB ID", "STATUS", "HANDLER", "ENVIRONMENT", "RETRIES", "CREATED")
	for _, job := range jobs {
		fmt.Printf("%-40s %-10s %-22s %-14s %d/%-6d %s\n",
			truncate(job.ID, 40),
			job.Status,
			truncate(job.HandlerName, 22),
			truncate(job.Environment, 14),
			job.RetryCount, job.MaxRetries,
			job.CreatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func runJobsStatus(jobID string) error {
	database, _, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	job, err := queue.NewStore(database).GetJob(context.Background(), jobID)
	if err != nil {
		return err
	}

	fmt.Printf("Job:         %s\n", job.ID)
	fmt.Printf("Handler:     %s\n", job.HandlerName)
	fmt.Printf("Status:      %s\n", job.Status)
	fmt.Printf("Environment: %s\n", job.Environment)
	fmt.Printf("Priority:    %d\n", job.Priority)
	fmt.Printf("Retries:     %d/%d\n", job.RetryCount, job.MaxRetries)
	if job.ClaimedBy != "" {
		fmt.Printf("Claimed by:  %s\n", job.ClaimedBy)
	}
	if job.Status == queue.JobStatusRunning {
		fmt.Printf("Lease until: %s\n", job.VisibleAfter.Format("2006-01-02 15:04:05"))
	}
	if job.ParentJobID != "" {
		fmt.Printf("Parent job:  %s\n", job.ParentJobID)
	}
	if len(job.Payload) > 0 {
		fmt.Printf("Payload:     %s\n", string(job.Payload))
	}
	if len(job.Result) > 0 {
		fmt.Printf("Result:      %s\n", string(job.Result))
	}
	if job.LastError != "" {
		fmt.Printf("Last error:  %s\n", job.LastError)
	}
	fmt.Printf("Created:     %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
	if job.StartedAt != nil {
		fmt.Printf("Started:     %s\n", job.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Finished:    %s\n", job.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runJobsCancel(jobID, reason string) error {
	database, _, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := queue.New(database).Cancel(context.Background(), jobID, reason); err != nil {
		return err
	}
	fmt.Printf("Cancelled %s\n", jobID)
	return nil
}

func runJobsRetry(jobID string) error {
	database, _, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	newID, err := queue.New(database).Retry(context.Background(), jobID)
	if err != nil {
		return err
	}
	fmt.Printf("Resubmitted %s as %s\n", jobID, newID)
	return nil
}
