package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/robofleet/fleetq/config"
	"github.com/robofleet/fleetq/logger"
	"github.com/robofleet/fleetq/queue"
	"github.com/robofleet/fleetq/registry"
	"github.com/robofleet/fleetq/worker"
)

// WorkerCmd runs a robot worker agent
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a robot worker agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a worker agent",
	Long: `Start a worker agent that claims and executes jobs.

The agent registers with the robot registry, polls its environments for
claimable jobs, and keeps job leases alive with heartbeats while handlers
run. It also runs the lease sweeper and registry reaper, so a fleet of
agents needs no separate coordinator process.

Handlers are provided by the embedding application; this binary ships only
the built-in "sleep" handler used for fleet smoke tests.

Examples:
  fleetq worker start
  fleetq worker start --id rb_amr_04 --environment warehouse-a --environment warehouse-b
  fleetq worker start --max-concurrent 8`,
	RunE: runWorkerStart,
}

var (
	workerIDFlag            string
	workerEnvironmentsFlag  []string
	workerMaxConcurrentFlag int
)

func init() {
	workerStartCmd.Flags().StringVar(&workerIDFlag, "id", "", "Stable worker ID (generated if empty)")
	workerStartCmd.Flags().StringArrayVar(&workerEnvironmentsFlag, "environment", nil, "Routing tag to serve (repeatable; overrides config)")
	workerStartCmd.Flags().IntVar(&workerMaxConcurrentFlag, "max-concurrent", 0, "Concurrency cap (overrides config)")

	WorkerCmd.AddCommand(workerStartCmd)
}

// sleepHandler is the built-in smoke-test handler: it sleeps for the
// requested duration, honoring cancellation, and echoes how long it slept.
type sleepHandler struct{}

func (sleepHandler) Name() string { return "sleep" }

func (sleepHandler) Execute(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	var params struct {
		Seconds float64 `json:"seconds"`
	}
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &params); err != nil {
			return nil, fmt.Errorf("invalid sleep payload: %w", err)
		}
	}
	if params.Seconds <= 0 {
		params.Seconds = 1
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(params.Seconds * float64(time.Second))):
	}
	return json.RawMessage(fmt.Sprintf(`{"slept_seconds": %g}`, params.Seconds)), nil
}

func runWorkerStart(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.New(database)
	reg := registry.New(database)

	opts := worker.OptionsFromConfig(cfg)
	opts.ID = workerIDFlag
	if len(workerEnvironmentsFlag) > 0 {
		opts.Environments = workerEnvironmentsFlag
	}
	if workerMaxConcurrentFlag > 0 {
		opts.MaxConcurrentJobs = workerMaxConcurrentFlag
	}

	handlers := worker.NewHandlerRegistry()
	handlers.Register(sleepHandler{})

	runner := worker.NewRunner(ctx, q, reg, handlers, opts, logger.Logger)
	if err := runner.Start(); err != nil {
		return err
	}
	defer runner.Stop()

	sweeper := queue.NewSweeper(ctx, q.Leases(), cfg.Queue.SweepInterval(), logger.Logger)
	sweeper.Start()
	defer sweeper.Stop()

	reaper := registry.NewReaper(ctx, reg, cfg.Registry.OfflineThreshold(), cfg.Registry.ReapInterval(), logger.Logger)
	reaper.Start()
	defer reaper.Stop()

	// Pick up tuning changes without a restart; a failed watch (no config
	// file yet) is not fatal
	if watcher, err := config.NewWatcher(config.DefaultConfigPath()); err == nil {
		watcher.OnReload(func(newCfg *config.Config) error {
			logger.Infow("Configuration reloaded",
				"lease", newCfg.Queue.LeaseDuration(),
				"sweep_interval", newCfg.Queue.SweepInterval())
			return nil
		})
		watcher.Start()
		defer watcher.Stop()
	}

	logger.Infow("Worker agent running", "worker_id", runner.ID(), "database", cfg.Database.Path)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infow("Shutting down", "signal", sig.String())
	cancel()

	return nil
}
