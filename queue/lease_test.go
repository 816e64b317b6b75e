package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robofleet/fleetq/errors"
	fleetqtesting "github.com/robofleet/fleetq/internal/testing"
)

func newLeaseFixture(t *testing.T) (*Store, *ClaimEngine, *LeaseManager) {
	t.Helper()
	db := fleetqtesting.CreateTestDB(t)
	return NewStore(db), NewClaimEngine(db), NewLeaseManager(db, NewPolicy(db))
}

func claimOne(t *testing.T, engine *ClaimEngine, workerID string, lease time.Duration) *Job {
	t.Helper()
	claimed, err := engine.Claim(context.Background(), "default", workerID, 1, lease)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestExtendLeaseRequiresOwnership(t *testing.T) {
	store, engine, leases := newLeaseFixture(t)
	ctx := context.Background()

	submitJob(t, store, "pallet.move", 0, "default", 3)
	job := claimOne(t, engine, "rb_1", time.Minute)

	owned, err := leases.ExtendLease(ctx, job.ID, "rb_2", time.Minute)
	require.NoError(t, err)
	assert.False(t, owned, "a non-holder must not extend the lease")

	owned, err = leases.ExtendLease(ctx, job.ID, "rb_1", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, owned)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.VisibleAfter.After(job.VisibleAfter), "extension must push the deadline forward")
}

func TestExtendLeaseValidation(t *testing.T) {
	_, _, leases := newLeaseFixture(t)

	_, err := leases.ExtendLease(context.Background(), "jb_x", "rb_1", 0)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestSweepReclaimsExpiredLease(t *testing.T) {
	store, engine, leases := newLeaseFixture(t)
	ctx := context.Background()

	submitJob(t, store, "pallet.move", 0, "default", 3)
	job := claimOne(t, engine, "rb_crashed", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	reclaimed, err := leases.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, ReclaimRequeued, reclaimed[0].Outcome)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, got.Status)
	assert.Empty(t, got.ClaimedBy)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "lease expired")

	// Requeued job is immediately claimable by someone else
	next := claimOne(t, engine, "rb_2", time.Minute)
	assert.Equal(t, job.ID, next.ID)
}

func TestSweepIsIdempotent(t *testing.T) {
	store, engine, leases := newLeaseFixture(t)
	ctx := context.Background()

	submitJob(t, store, "pallet.move", 0, "default", 3)
	claimOne(t, engine, "rb_1", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	reclaimed, err := leases.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	again, err := leases.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, again, "a second sweep must find nothing to reclaim")
}

func TestSweepSkipsLiveLeases(t *testing.T) {
	store, engine, leases := newLeaseFixture(t)
	ctx := context.Background()

	submitJob(t, store, "pallet.move", 0, "default", 3)
	claimOne(t, engine, "rb_1", time.Hour)

	reclaimed, err := leases.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestSweepExhaustsRetries(t *testing.T) {
	store, engine, leases := newLeaseFixture(t)
	ctx := context.Background()

	job := submitJob(t, store, "pallet.move", 0, "default", 1)

	// First expiry: requeued with the retry counter bumped
	claimOne(t, engine, "rb_1", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	reclaimed, err := leases.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, ReclaimRequeued, reclaimed[0].Outcome)

	// Second expiry: retries exhausted, terminally failed
	claimOne(t, engine, "rb_1", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	reclaimed, err = leases.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, ReclaimFailed, reclaimed[0].Outcome)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "retries exhausted")
	require.NotNil(t, got.CompletedAt)
}

func TestDisownedWorkerCannotActOnReclaimedJob(t *testing.T) {
	store, engine, leases := newLeaseFixture(t)
	ctx := context.Background()

	submitJob(t, store, "pallet.move", 0, "default", 3)
	job := claimOne(t, engine, "rb_slow", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, err := leases.Sweep(ctx)
	require.NoError(t, err)

	// The original holder comes back from a long GC pause
	owned, err := leases.ExtendLease(ctx, job.ID, "rb_slow", time.Minute)
	require.NoError(t, err)
	assert.False(t, owned)

	err = store.CompleteJob(ctx, job.ID, "rb_slow", []byte(`{"late": true}`))
	assert.True(t, errors.Is(err, errors.ErrNotOwner))

	// The job re-routes cleanly to a live robot
	next := claimOne(t, engine, "rb_fresh", time.Minute)
	require.Equal(t, job.ID, next.ID)
	require.NoError(t, store.CompleteJob(ctx, next.ID, "rb_fresh", nil))
}

func TestExtendLeaseFailsClosedWhenStoreUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE jobs").WillReturnError(assert.AnError)

	leases := NewLeaseManager(db, NewPolicy(db))
	_, err = leases.ExtendLease(context.Background(), "jb_x", "rb_1", time.Minute)
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable),
		"an unconfirmed extension must not be reported as a healthy lease")
}

func TestSweeperLoopReclaims(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	store := NewStore(db)
	engine := NewClaimEngine(db)
	leases := NewLeaseManager(db, NewPolicy(db))
	ctx := context.Background()

	job := submitJob(t, store, "pallet.move", 0, "default", 3)
	claimOne(t, engine, "rb_crashed", 10*time.Millisecond)

	sweeper := NewSweeper(ctx, leases, 20*time.Millisecond, zap.NewNop().Sugar())
	sweeper.Start()
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		got, err := store.GetJob(ctx, job.ID)
		return err == nil && got.Status == JobStatusPending
	}, 5*time.Second, 10*time.Millisecond)
}
