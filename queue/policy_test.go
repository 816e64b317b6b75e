package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robofleet/fleetq/errors"
	fleetqtesting "github.com/robofleet/fleetq/internal/testing"
)

func TestExplicitFailureRequeuesWithRetriesLeft(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	store := NewStore(db)
	engine := NewClaimEngine(db)
	policy := NewPolicy(db)
	ctx := context.Background()

	submitJob(t, store, "inspection.run", 0, "default", 3)
	job := claimOne(t, engine, "rb_1", time.Minute)

	updated, err := policy.OnExplicitFailure(ctx, job.ID, "rb_1", errors.New("gripper jammed"))
	require.NoError(t, err)
	require.NotNil(t, updated)

	assert.Equal(t, JobStatusPending, updated.Status)
	assert.Equal(t, 1, updated.RetryCount)
	assert.Empty(t, updated.ClaimedBy)
	assert.Contains(t, updated.LastError, "gripper jammed")
	assert.Nil(t, updated.CompletedAt)
}

func TestExplicitFailureTerminalWhenExhausted(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	store := NewStore(db)
	engine := NewClaimEngine(db)
	policy := NewPolicy(db)
	ctx := context.Background()

	submitJob(t, store, "inspection.run", 0, "default", 0)
	job := claimOne(t, engine, "rb_1", time.Minute)

	updated, err := policy.OnExplicitFailure(ctx, job.ID, "rb_1", errors.New("gripper jammed"))
	require.NoError(t, err)
	require.NotNil(t, updated)

	assert.Equal(t, JobStatusFailed, updated.Status)
	assert.Equal(t, 0, updated.RetryCount)
	assert.Contains(t, updated.LastError, "gripper jammed")
	require.NotNil(t, updated.CompletedAt)
}

func TestExplicitFailureAccumulatesErrorHistory(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	store := NewStore(db)
	engine := NewClaimEngine(db)
	policy := NewPolicy(db)
	ctx := context.Background()

	submitJob(t, store, "inspection.run", 0, "default", 3)

	job := claimOne(t, engine, "rb_1", time.Minute)
	first, err := policy.OnExplicitFailure(ctx, job.ID, "rb_1", errors.New("attempt one"))
	require.NoError(t, err)
	require.NotNil(t, first)

	claimOne(t, engine, "rb_2", time.Minute)
	second, err := policy.OnExplicitFailure(ctx, job.ID, "rb_2", errors.New("attempt two"))
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Contains(t, second.LastError, "attempt one")
	assert.Contains(t, second.LastError, "attempt two")
}

func TestExplicitFailureFromNonHolderIsNoOp(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	store := NewStore(db)
	engine := NewClaimEngine(db)
	policy := NewPolicy(db)
	ctx := context.Background()

	submitJob(t, store, "inspection.run", 0, "default", 3)
	job := claimOne(t, engine, "rb_1", time.Minute)

	updated, err := policy.OnExplicitFailure(ctx, job.ID, "rb_imposter", errors.New("not mine"))
	require.NoError(t, err)
	assert.Nil(t, updated, "a non-holder report must not mutate the job")

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, got.Status)
	assert.Equal(t, "rb_1", got.ClaimedBy)
	assert.Equal(t, 0, got.RetryCount)
}

func TestExplicitFailureRequiresError(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	policy := NewPolicy(db)

	_, err := policy.OnExplicitFailure(context.Background(), "jb_x", "rb_1", nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestLeaseExpiryPolicySkipsLiveJobs(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	store := NewStore(db)
	engine := NewClaimEngine(db)
	policy := NewPolicy(db)
	ctx := context.Background()

	submitJob(t, store, "inspection.run", 0, "default", 3)
	job := claimOne(t, engine, "rb_1", time.Hour)

	updated, err := policy.OnLeaseExpired(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, updated, "a live lease must not be reclaimed")

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, got.Status)
}

func TestLeaseExpiryPolicySkipsUnknownJobs(t *testing.T) {
	db := fleetqtesting.CreateTestDB(t)
	policy := NewPolicy(db)

	updated, err := policy.OnLeaseExpired(context.Background(), "jb_ghost")
	require.NoError(t, err)
	assert.Nil(t, updated)
}
