package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/robofleet/fleetq/config"
	"github.com/robofleet/fleetq/errors"
	"github.com/robofleet/fleetq/queue"
	"github.com/robofleet/fleetq/registry"
)

// Options configures a Runner.
type Options struct {
	ID                string        // Worker ID; generated if empty
	Environments      []string      // Routing tags this robot serves
	MaxConcurrentJobs int           // Capacity cap for simultaneous jobs
	ClaimBatchSize    int           // Upper bound on jobs taken per claim statement
	PollInterval      time.Duration // How often to check for claimable work
	HeartbeatInterval time.Duration // Registry liveness ping cadence
	Lease             time.Duration // Lease duration requested on claim
}

// OptionsFromConfig builds runner options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Environments:      cfg.Worker.Environments,
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		ClaimBatchSize:    cfg.Queue.ClaimBatchSize,
		PollInterval:      cfg.Worker.PollInterval(),
		HeartbeatInterval: cfg.Worker.HeartbeatInterval(),
		Lease:             cfg.Queue.LeaseDuration(),
	}
}

// Runner is the robot-side agent: it registers the robot, claims jobs up to
// its concurrency cap, keeps job leases alive while handlers run, and reports
// terminal outcomes.
//
// Lease discipline: each running job heartbeats at a third of the lease. The
// first heartbeat that comes back unowned (or cannot be confirmed) cancels the
// job's context and the runner abandons the job without reporting - by then
// the queue has already re-routed it and any local result is worthless.
type Runner struct {
	id       string
	opts     Options
	queue    *queue.Queue
	registry *registry.Registry
	handlers *HandlerRegistry
	limiter  *rate.Limiter

	active atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger
}

// NewRunner creates a runner. Callers must register handlers before Start().
func NewRunner(ctx context.Context, q *queue.Queue, reg *registry.Registry, handlers *HandlerRegistry, opts Options, logger *zap.SugaredLogger) *Runner {
	if opts.ID == "" {
		opts.ID = "rb_" + uuid.NewString()
	}
	if len(opts.Environments) == 0 {
		opts.Environments = []string{queue.EnvironmentDefault}
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 1
	}
	if opts.ClaimBatchSize <= 0 {
		opts.ClaimBatchSize = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}

	runCtx, cancel := context.WithCancel(ctx)
	return &Runner{
		id:       opts.ID,
		opts:     opts,
		queue:    q,
		registry: reg,
		handlers: handlers,
		// Caps claim statements against the shared store regardless of how
		// many environments the robot serves
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), len(opts.Environments)),
		ctx:     runCtx,
		cancel:  cancel,
		logger:  logger.Named("worker").With("worker_id", opts.ID),
	}
}

// ID returns the worker's identity used for claims and leases.
func (r *Runner) ID() string {
	return r.id
}

// Handlers returns the handler registry for registering job handlers.
func (r *Runner) Handlers() *HandlerRegistry {
	return r.handlers
}

// Start registers the robot and begins the poll and heartbeat loops.
func (r *Runner) Start() error {
	err := r.registry.Register(r.ctx, &registry.Worker{
		ID:                r.id,
		Environments:      r.opts.Environments,
		MaxConcurrentJobs: r.opts.MaxConcurrentJobs,
	})
	if err != nil {
		return errors.Wrap(err, "failed to register worker")
	}

	r.wg.Add(2)
	go r.pollLoop()
	go r.heartbeatLoop()

	r.logger.Infow("Worker started",
		"environments", r.opts.Environments,
		"max_concurrent_jobs", r.opts.MaxConcurrentJobs,
		"lease", r.opts.Lease,
		"handlers", r.handlers.Names(),
	)
	return nil
}

// Stop cancels all loops and in-flight job contexts, then waits for them to
// exit. Jobs that cannot finish in time are abandoned; their leases expire
// and the sweeper re-routes them.
func (r *Runner) Stop() {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		r.logger.Infow("Worker stopped cleanly")
	case <-time.After(timeout):
		r.logger.Warnw("Worker stop timed out, abandoning remaining jobs to lease expiry", "timeout", timeout)
	}
}

func (r *Runner) pollLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.claimAndDispatch(); err != nil {
				if r.ctx.Err() != nil {
					return
				}
				errorCount++
				r.logger.Errorw("Claim cycle failed", "error", err, "consecutive_errors", errorCount)
				if errorCount >= maxConsecutiveErrors {
					r.logger.Warnw("Backing off after consecutive errors", "backoff", backoff)
					select {
					case <-r.ctx.Done():
						return
					case <-time.After(backoff):
					}
					backoff = min(backoff*2, maxBackoff)
				}
			} else {
				if errorCount >= maxConsecutiveErrors {
					r.logger.Infow("Recovered from claim errors", "previous_error_count", errorCount)
				}
				errorCount = 0
				backoff = time.Second
			}
		}
	}
}

// claimAndDispatch claims work across the robot's environments and starts a
// goroutine per claimed job. Each claim statement takes at most
// min(free capacity, claim batch size) jobs so one robot cannot drain a deep
// queue in a single statement.
func (r *Runner) claimAndDispatch() error {
	for _, env := range r.opts.Environments {
		capacity := r.opts.MaxConcurrentJobs - int(r.active.Load())
		if capacity <= 0 {
			return nil
		}
		if !r.limiter.Allow() {
			return nil
		}

		jobs, err := r.queue.Claim(r.ctx, env, r.id, min(capacity, r.opts.ClaimBatchSize), r.opts.Lease)
		if err != nil {
			return errors.Wrapf(err, "claim failed for environment %s", env)
		}

		for _, job := range jobs {
			r.active.Add(1)
			r.wg.Add(1)
			go r.runJob(job)
		}
	}
	return nil
}

func (r *Runner) runJob(job *queue.Job) {
	defer r.wg.Done()
	defer r.active.Add(-1)

	log := r.logger.With("job_id", job.ID, "handler", job.HandlerName)
	log.Infow("Job started", "priority", job.Priority, "environment", job.Environment, "retry_count", job.RetryCount)

	jobCtx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	var disowned atomic.Bool
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		r.heartbeatJob(jobCtx, job.ID, &disowned, cancel)
	}()

	result, execErr := r.executeHandler(jobCtx, job)

	cancel()
	<-heartbeatDone

	if disowned.Load() {
		// The queue already re-routed this job; any outcome we report now
		// would clobber someone else's run
		log.Warnw("Lost job lease, abandoning result")
		return
	}
	if r.ctx.Err() != nil && execErr != nil {
		// Shutting down: the handler was interrupted, not broken. Leave the
		// lease to expire so the sweeper re-routes the job.
		log.Infow("Job interrupted by shutdown, leaving to lease expiry")
		return
	}

	reportCtx, reportCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer reportCancel()

	if execErr != nil {
		owned, err := r.queue.Fail(reportCtx, job.ID, r.id, execErr)
		if err != nil {
			log.Errorw("Failed to report job failure", "error", err)
			return
		}
		if !owned {
			log.Warnw("Lost job lease before failure report")
			return
		}
		log.Warnw("Job failed", "error", execErr)
		return
	}

	if err := r.queue.Complete(reportCtx, job.ID, r.id, result); err != nil {
		if errors.Is(err, errors.ErrNotOwner) {
			log.Warnw("Lost job lease before completion report")
			return
		}
		log.Errorw("Failed to report job completion", "error", err)
		return
	}
	log.Infow("Job completed")
}

// executeHandler resolves and runs the job's handler, converting panics into
// job failures so one bad handler cannot take the whole robot down.
func (r *Runner) executeHandler(ctx context.Context, job *queue.Job) (result []byte, err error) {
	handler := r.handlers.Get(job.HandlerName)
	if handler == nil {
		return nil, errors.Newf("no handler registered for %q", job.HandlerName)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf("handler %s panicked: %v", job.HandlerName, rec)
		}
	}()

	return handler.Execute(ctx, job)
}

// heartbeatJob extends the job's lease at a third of its duration until the
// job context ends. An unowned or unconfirmable extension flips disowned and
// cancels the job.
func (r *Runner) heartbeatJob(ctx context.Context, jobID string, disowned *atomic.Bool, cancel context.CancelFunc) {
	interval := r.opts.Lease / 3
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			owned, err := r.queue.ExtendLease(ctx, jobID, r.id, r.opts.Lease)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Fail closed: an extension we cannot confirm counts as lost
				r.logger.Warnw("Lease extension unconfirmed, abandoning job", "job_id", jobID, "error", err)
				disowned.Store(true)
				cancel()
				return
			}
			if !owned {
				disowned.Store(true)
				cancel()
				return
			}
		}
	}
}

func (r *Runner) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			metrics := collectMetrics(int(r.active.Load()), r.opts.MaxConcurrentJobs)
			err := r.registry.Heartbeat(r.ctx, r.id, metrics)
			if errors.IsNotFoundError(err) {
				// Registry record reaped or database reset; re-register
				err = r.registry.Register(r.ctx, &registry.Worker{
					ID:                r.id,
					Environments:      r.opts.Environments,
					MaxConcurrentJobs: r.opts.MaxConcurrentJobs,
				})
			}
			if err != nil && r.ctx.Err() == nil {
				r.logger.Warnw("Registry heartbeat failed", "error", err)
			}
		}
	}
}
