package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robofleet/fleetq/config"
	fleetqtesting "github.com/robofleet/fleetq/internal/testing"
	"github.com/robofleet/fleetq/queue"
	"github.com/robofleet/fleetq/registry"
)

func testOptions() Options {
	return Options{
		Environments:      []string{"default"},
		MaxConcurrentJobs: 2,
		PollInterval:      20 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		Lease:             5 * time.Second,
	}
}

func startRunner(t *testing.T, handlers *HandlerRegistry) (*queue.Queue, *registry.Registry, *Runner) {
	t.Helper()

	db := fleetqtesting.CreateTestDB(t)
	q := queue.New(db)
	reg := registry.New(db)

	runner := NewRunner(context.Background(), q, reg, handlers, testOptions(), zap.NewNop().Sugar())
	require.NoError(t, runner.Start())
	t.Cleanup(runner.Stop)

	return q, reg, runner
}

func TestRunnerExecutesJobToCompletion(t *testing.T) {
	handlers := NewHandlerRegistry()
	handlers.Register(HandlerFunc{
		HandlerName: "pallet.move",
		Fn: func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
			return json.RawMessage(`{"moved": true}`), nil
		},
	})

	q, _, runner := startRunner(t, handlers)
	ctx := context.Background()

	job, err := queue.NewJob("pallet.move", json.RawMessage(`{"pallet": "p-17"}`), 0, "default", 3)
	require.NoError(t, err)
	_, err = q.Submit(ctx, job)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.Status == queue.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"moved": true}`, string(got.Result))
	assert.Equal(t, runner.ID(), got.ClaimedBy)
	require.NotNil(t, got.CompletedAt)
}

func TestRunnerReportsHandlerFailure(t *testing.T) {
	handlers := NewHandlerRegistry()
	handlers.Register(HandlerFunc{
		HandlerName: "inspection.run",
		Fn: func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
			return nil, assert.AnError
		},
	})

	q, _, _ := startRunner(t, handlers)
	ctx := context.Background()

	// No retries so the first failure is terminal
	job, err := queue.NewJob("inspection.run", nil, 0, "default", 0)
	require.NoError(t, err)
	_, err = q.Submit(ctx, job)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.Status == queue.JobStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, assert.AnError.Error())
	assert.Empty(t, got.ClaimedBy)
}

func TestRunnerRetriesFailedJob(t *testing.T) {
	var attempts atomic.Int32
	handlers := NewHandlerRegistry()
	handlers.Register(HandlerFunc{
		HandlerName: "flaky.op",
		Fn: func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
			if attempts.Add(1) < 2 {
				return nil, assert.AnError
			}
			return json.RawMessage(`{"ok": true}`), nil
		},
	})

	q, _, _ := startRunner(t, handlers)
	ctx := context.Background()

	job, err := queue.NewJob("flaky.op", nil, 0, "default", 3)
	require.NoError(t, err)
	_, err = q.Submit(ctx, job)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.Status == queue.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, assert.AnError.Error())
	assert.EqualValues(t, 2, attempts.Load())
}

func TestRunnerRecoversHandlerPanic(t *testing.T) {
	handlers := NewHandlerRegistry()
	handlers.Register(HandlerFunc{
		HandlerName: "unstable.op",
		Fn: func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
			panic("arm controller wedged")
		},
	})

	q, _, _ := startRunner(t, handlers)
	ctx := context.Background()

	job, err := queue.NewJob("unstable.op", nil, 0, "default", 0)
	require.NoError(t, err)
	_, err = q.Submit(ctx, job)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.Status == queue.JobStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "panicked")
}

func TestRunnerFailsJobsWithUnknownHandler(t *testing.T) {
	q, _, _ := startRunner(t, NewHandlerRegistry())
	ctx := context.Background()

	job, err := queue.NewJob("nobody.home", nil, 0, "default", 0)
	require.NoError(t, err)
	_, err = q.Submit(ctx, job)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.Status == queue.JobStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "no handler registered")
}

func TestClaimsCappedByBatchSize(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	q := queue.New(db)
	reg := registry.New(db)

	release := make(chan struct{})
	handlers := NewHandlerRegistry()
	handlers.Register(HandlerFunc{
		HandlerName: "hold.station",
		Fn: func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-release:
				return nil, nil
			}
		},
	})

	opts := testOptions()
	opts.MaxConcurrentJobs = 10
	opts.ClaimBatchSize = 2
	runner := NewRunner(context.Background(), q, reg, handlers, opts, zap.NewNop().Sugar())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		job, err := queue.NewJob("hold.station", nil, 0, "default", 3)
		require.NoError(t, err)
		_, err = q.Submit(ctx, job)
		require.NoError(t, err)
	}

	require.NoError(t, runner.claimAndDispatch())

	count, err := q.Store().CountRunningByWorker(ctx, runner.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one claim pass takes at most the batch size, not the full free capacity")

	close(release)
	runner.Stop()
}

func TestOptionsFromConfigCarriesQueueTuning(t *testing.T) {
	cfg := &config.Config{}
	cfg.Worker.Environments = []string{"warehouse-a"}
	cfg.Worker.MaxConcurrentJobs = 6
	cfg.Worker.PollIntervalSeconds = 2
	cfg.Worker.HeartbeatSeconds = 9
	cfg.Queue.ClaimBatchSize = 3
	cfg.Queue.LeaseSeconds = 120

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, []string{"warehouse-a"}, opts.Environments)
	assert.Equal(t, 6, opts.MaxConcurrentJobs)
	assert.Equal(t, 3, opts.ClaimBatchSize)
	assert.Equal(t, 2*time.Second, opts.PollInterval)
	assert.Equal(t, 9*time.Second, opts.HeartbeatInterval)
	assert.Equal(t, 2*time.Minute, opts.Lease)
}

func TestRunnerRegistersWithRegistry(t *testing.T) {
	_, reg, runner := startRunner(t, NewHandlerRegistry())

	info, err := reg.GetWorker(context.Background(), runner.ID())
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, info.Environments)
	assert.Equal(t, 2, info.MaxConcurrentJobs)
	assert.Equal(t, registry.WorkerStatusIdle, info.Status)
}

func TestRunnerHeartbeatsRegistry(t *testing.T) {
	_, reg, runner := startRunner(t, NewHandlerRegistry())
	ctx := context.Background()

	require.Eventually(t, func() bool {
		info, err := reg.GetWorker(ctx, runner.ID())
		return err == nil && len(info.Metrics) > 0
	}, 5*time.Second, 20*time.Millisecond)

	info, err := reg.GetWorker(ctx, runner.ID())
	require.NoError(t, err)

	var m Metrics
	require.NoError(t, json.Unmarshal(info.Metrics, &m))
	assert.Equal(t, 2, m.MaxConcurrentJobs)
}
