package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robofleet/fleetq/errors"
	fleetqtesting "github.com/robofleet/fleetq/internal/testing"
	"github.com/robofleet/fleetq/queue"
)

func TestRegisterIsIdempotent(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	reg := New(db)
	ctx := context.Background()

	w := &Worker{ID: "rb_alpha", Environments: []string{"warehouse-a"}, MaxConcurrentJobs: 2}
	require.NoError(t, reg.Register(ctx, w))

	first, err := reg.GetWorker(ctx, "rb_alpha")
	require.NoError(t, err)

	// Re-registration after a restart updates metadata in place
	w.Environments = []string{"warehouse-a", "warehouse-b"}
	w.MaxConcurrentJobs = 4
	require.NoError(t, reg.Register(ctx, w))

	workers, err := reg.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)

	got := workers[0]
	assert.Equal(t, []string{"warehouse-a", "warehouse-b"}, got.Environments)
	assert.Equal(t, 4, got.MaxConcurrentJobs)
	assert.Equal(t, first.RegisteredAt, got.RegisteredAt, "registered_at should survive re-registration")
}

func TestRegisterValidation(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	reg := New(db)
	ctx := context.Background()

	err := reg.Register(ctx, &Worker{ID: "", MaxConcurrentJobs: 1})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	err = reg.Register(ctx, &Worker{ID: "rb_x", MaxConcurrentJobs: 0})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestHeartbeatRefreshesAndRevives(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	reg := New(db)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, &Worker{ID: "rb_beta", MaxConcurrentJobs: 1}))

	// Force the worker offline, then heartbeat
	_, err := db.Exec(`UPDATE workers SET status = ?, last_heartbeat = ? WHERE id = ?`,
		WorkerStatusOffline, time.Now().UTC().Add(-time.Hour), "rb_beta")
	require.NoError(t, err)

	metrics := json.RawMessage(`{"memory_used_percent": 41.5}`)
	require.NoError(t, reg.Heartbeat(ctx, "rb_beta", metrics))

	got, err := reg.GetWorker(ctx, "rb_beta")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusIdle, got.Status, "offline worker should revive on heartbeat")
	assert.WithinDuration(t, time.Now().UTC(), got.LastHeartbeat, 5*time.Second)
	assert.JSONEq(t, string(metrics), string(got.Metrics))
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	reg := New(db)

	err := reg.Heartbeat(context.Background(), "rb_ghost", nil)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestReapMarksSilentWorkersOffline(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	reg := New(db)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, &Worker{ID: "rb_silent", MaxConcurrentJobs: 1}))
	require.NoError(t, reg.Register(ctx, &Worker{ID: "rb_alive", MaxConcurrentJobs: 1}))

	_, err := db.Exec(`UPDATE workers SET last_heartbeat = ? WHERE id = ?`,
		time.Now().UTC().Add(-5*time.Minute), "rb_silent")
	require.NoError(t, err)

	n, err := reg.Reap(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	silent, err := reg.GetWorker(ctx, "rb_silent")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusOffline, silent.Status)

	alive, err := reg.GetWorker(ctx, "rb_alive")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusIdle, alive.Status)

	// Second reap finds nothing new
	n, err = reg.Reap(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReapDoesNotTouchJobLeases(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	reg := New(db)
	store := queue.NewStore(db)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, &Worker{ID: "rb_dead", MaxConcurrentJobs: 1}))
	_, err := db.Exec(`UPDATE workers SET last_heartbeat = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour), "rb_dead")
	require.NoError(t, err)

	job, err := queue.NewJob("inspection.run", nil, 0, "default", 3)
	require.NoError(t, err)
	job.Status = queue.JobStatusRunning
	job.ClaimedBy = "rb_dead"
	job.VisibleAfter = time.Now().UTC().Add(time.Minute)
	require.NoError(t, store.CreateJob(ctx, job))

	_, err = reg.Reap(ctx, time.Minute)
	require.NoError(t, err)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusRunning, got.Status)
	assert.Equal(t, "rb_dead", got.ClaimedBy, "reaping a worker must not release its leases")
}

func TestListEligibleFiltersByEnvironment(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	reg := New(db)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, &Worker{ID: "rb_a", Environments: []string{"warehouse-a"}, MaxConcurrentJobs: 1}))
	require.NoError(t, reg.Register(ctx, &Worker{ID: "rb_b", Environments: []string{"warehouse-b"}, MaxConcurrentJobs: 1}))
	require.NoError(t, reg.Register(ctx, &Worker{ID: "rb_any", Environments: []string{"default"}, MaxConcurrentJobs: 1}))
	require.NoError(t, reg.Register(ctx, &Worker{ID: "rb_off", Environments: []string{"warehouse-a"}, MaxConcurrentJobs: 1}))

	_, err := db.Exec(`UPDATE workers SET status = ? WHERE id = ?`, WorkerStatusOffline, "rb_off")
	require.NoError(t, err)

	ids, err := reg.ListEligible(ctx, "warehouse-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"rb_a", "rb_any"}, ids)
}

func TestStatusDerivedFromLoad(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	reg := New(db)
	store := queue.NewStore(db)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, &Worker{ID: "rb_amr", MaxConcurrentJobs: 2}))

	got, err := reg.GetWorker(ctx, "rb_amr")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusIdle, got.Status)

	job, err := queue.NewJob("pallet.move", nil, 0, "default", 3)
	require.NoError(t, err)
	job.Status = queue.JobStatusRunning
	job.ClaimedBy = "rb_amr"
	job.VisibleAfter = time.Now().UTC().Add(time.Minute)
	require.NoError(t, store.CreateJob(ctx, job))

	got, err = reg.GetWorker(ctx, "rb_amr")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusBusy, got.Status, "a loaded robot reads as busy")

	require.NoError(t, store.CompleteJob(ctx, job.ID, "rb_amr", nil))

	got, err = reg.GetWorker(ctx, "rb_amr")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusIdle, got.Status, "finishing the last job reads as idle again")

	// Offline wins over load: a partitioned robot with leases still running
	// must not read as busy
	_, err = db.Exec(`UPDATE workers SET status = ? WHERE id = ?`, WorkerStatusOffline, "rb_amr")
	require.NoError(t, err)
	got, err = reg.GetWorker(ctx, "rb_amr")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusOffline, got.Status)
}

func TestCurrentJobsIsDerivedFromJobsTable(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	reg := New(db)
	store := queue.NewStore(db)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, &Worker{ID: "rb_busy", MaxConcurrentJobs: 4}))

	for i := 0; i < 2; i++ {
		job, err := queue.NewJob("pallet.move", nil, 0, "default", 3)
		require.NoError(t, err)
		job.Status = queue.JobStatusRunning
		job.ClaimedBy = "rb_busy"
		job.VisibleAfter = time.Now().UTC().Add(time.Minute)
		require.NoError(t, store.CreateJob(ctx, job))
	}
	done, err := queue.NewJob("pallet.move", nil, 0, "default", 3)
	require.NoError(t, err)
	done.Status = queue.JobStatusCompleted
	require.NoError(t, store.CreateJob(ctx, done))

	got, err := reg.GetWorker(ctx, "rb_busy")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentJobs)
}
