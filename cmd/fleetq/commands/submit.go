package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/robofleet/fleetq/errors"
	"github.com/robofleet/fleetq/queue"
)

// SubmitCmd submits a job to the queue
var SubmitCmd = &cobra.Command{
	Use:   "submit <handler>",
	Short: "Submit a job to the queue",
	Long: `Submit a job for execution by the fleet.

The handler name routes the job to the robot-side handler that executes it;
the payload is an opaque JSON document that handler decodes itself.

Examples:
  fleetq submit pallet.move --payload '{"pallet":"p-17","destination":"dock-3"}'
  fleetq submit inspection.run --environment warehouse-a --priority 10
  fleetq submit firmware.update --max-retries 0`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var (
	submitPayloadFlag     string
	submitPriorityFlag    int
	submitEnvironmentFlag string
	submitMaxRetriesFlag  int
)

func init() {
	SubmitCmd.Flags().StringVar(&submitPayloadFlag, "payload", "", "Job payload as a JSON document")
	SubmitCmd.Flags().IntVar(&submitPriorityFlag, "priority", 0, "Scheduling priority (higher runs first)")
	SubmitCmd.Flags().StringVar(&submitEnvironmentFlag, "environment", "default", "Routing tag for the job")
	SubmitCmd.Flags().IntVar(&submitMaxRetriesFlag, "max-retries", -1, "Retry budget (-1 uses the configured default)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	var payload json.RawMessage
	if submitPayloadFlag != "" {
		if !json.Valid([]byte(submitPayloadFlag)) {
			return errors.NewInvalidRequestError("payload is not valid JSON")
		}
		payload = json.RawMessage(submitPayloadFlag)
	}

	maxRetries := submitMaxRetriesFlag
	if maxRetries < 0 {
		maxRetries = cfg.Queue.DefaultMaxRetries
	}

	job, err := queue.NewJob(args[0], payload, submitPriorityFlag, submitEnvironmentFlag, maxRetries)
	if err != nil {
		return err
	}

	id, err := queue.New(database).Submit(context.Background(), job)
	if err != nil {
		return err
	}

	fmt.Printf("Submitted %s (handler=%s environment=%s priority=%d max_retries=%d)\n",
		id, job.HandlerName, job.Environment, job.Priority, job.MaxRetries)
	return nil
}
