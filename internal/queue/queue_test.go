package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "test-queue", time.Hour)
}

func TestEnqueueReserveComplete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "file-analysis", map[string]string{"path": "/a.go"}, EnqueueOpts{Priority: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)

	jobs, err := q.Reserve(ctx, "worker-1", 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, "file-analysis", jobs[0].Kind)

	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
	assert.Equal(t, int64(1), counts.Active)

	require.NoError(t, q.Complete(ctx, jobs[0]))
	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Active)
	assert.Equal(t, int64(1), counts.Completed)
}

func TestReserveOrdersByPriorityThenFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	lowID, err := q.Enqueue(ctx, "k", "low", EnqueueOpts{Priority: 5})
	require.NoError(t, err)
	highID, err := q.Enqueue(ctx, "k", "high", EnqueueOpts{Priority: 1})
	require.NoError(t, err)
	laterHighID, err := q.Enqueue(ctx, "k", "later-high", EnqueueOpts{Priority: 1})
	require.NoError(t, err)

	jobs, err := q.Reserve(ctx, "w", 3)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, highID, jobs[0].ID)
	assert.Equal(t, laterHighID, jobs[1].ID)
	assert.Equal(t, lowID, jobs[2].ID)
}

func TestReserveReturnsEmptyWhenNothingWaiting(t *testing.T) {
	q := newTestQueue(t)
	jobs, err := q.Reserve(context.Background(), "w", 5)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRequeueIncrementsAttemptsAndReturnsToWaiting(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "k", "v", EnqueueOpts{})
	require.NoError(t, err)
	jobs, err := q.Reserve(ctx, "w", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, q.Requeue(ctx, jobs[0], 0))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
	assert.Equal(t, int64(0), counts.Active)

	requeued, err := q.Reserve(ctx, "w", 1)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Equal(t, 1, requeued[0].Attempts)
}

func TestFailMovesJobOutOfActive(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "k", "v", EnqueueOpts{})
	require.NoError(t, err)
	jobs, err := q.Reserve(ctx, "w", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, q.Fail(ctx, jobs[0], "boom"))
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Active)
	assert.Equal(t, int64(1), counts.Failed)
}

func TestActiveJobsReportsLeasedJobsWithAge(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "file-analysis", "x", EnqueueOpts{})
	require.NoError(t, err)
	jobs, err := q.Reserve(ctx, "w", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	active, err := q.ActiveJobs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].ID)
	assert.Equal(t, "file-analysis", active[0].Kind)
	assert.GreaterOrEqual(t, active[0].Age, time.Duration(0))
}

func TestActiveJobsEmptyWhenNothingLeased(t *testing.T) {
	q := newTestQueue(t)
	active, err := q.ActiveJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPingSucceedsAgainstMiniredis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	require.NoError(t, Ping(context.Background(), client))
}
