package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraph-dev/orchestrator/internal/breaker"
	"github.com/codegraph-dev/orchestrator/internal/governor"
	"github.com/codegraph-dev/orchestrator/internal/logging"
	"github.com/codegraph-dev/orchestrator/internal/orcherr"
	"github.com/codegraph-dev/orchestrator/internal/queue"
)

type fakeHandler struct {
	fn func(ctx context.Context, job queue.Job) error
}

func (f *fakeHandler) Handle(ctx context.Context, job queue.Job) error { return f.fn(ctx, job) }

func newTestWorker(t *testing.T, handler Handler, retries int) (*Worker, *queue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.New(client, "t", time.Hour)

	gov := governor.New(governor.Config{
		MaxTotal:             10,
		MinWorkerConcurrency: 1,
		Types:                []governor.TypeConfig{{WorkerType: "t", StaticCap: 5, Priority: 1}},
	})

	log, _ := logging.New(logging.Config{})
	w := New(Config{
		WorkerType:      "t",
		Priority:        1,
		Queue:           q,
		Governor:        gov,
		Breaker:         breaker.New(breaker.DefaultConfig("t")),
		JobTimeout:      time.Second,
		RetryAttempts:   retries,
		RetryDelay:      time.Millisecond,
		BaseConcurrency: 1,
	}, handler, log)
	return w, q
}

func TestProcessCompletesJobOnSuccess(t *testing.T) {
	w, q := newTestWorker(t, &fakeHandler{fn: func(ctx context.Context, job queue.Job) error { return nil }}, 3)

	_, err := q.Enqueue(context.Background(), "t", "payload", queue.EnqueueOpts{})
	require.NoError(t, err)
	jobs, err := q.Reserve(context.Background(), "t", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	w.process(context.Background(), jobs[0])

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Completed)
	assert.Equal(t, int64(0), counts.Active)
}

func TestProcessRequeuesRetryableFailureUnderRetryLimit(t *testing.T) {
	w, q := newTestWorker(t, &fakeHandler{fn: func(ctx context.Context, job queue.Job) error {
		return orcherr.New(orcherr.KindProcessing, "transient", errors.New("boom"))
	}}, 3)

	_, err := q.Enqueue(context.Background(), "t", "payload", queue.EnqueueOpts{})
	require.NoError(t, err)
	jobs, err := q.Reserve(context.Background(), "t", 1)
	require.NoError(t, err)

	w.process(context.Background(), jobs[0])

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Active)
	assert.Equal(t, int64(0), counts.Failed)
}

func TestProcessFailsJobWhenRetryAttemptsExhausted(t *testing.T) {
	w, q := newTestWorker(t, &fakeHandler{fn: func(ctx context.Context, job queue.Job) error {
		return orcherr.New(orcherr.KindProcessing, "transient", errors.New("boom"))
	}}, 0)

	_, err := q.Enqueue(context.Background(), "t", "payload", queue.EnqueueOpts{})
	require.NoError(t, err)
	jobs, err := q.Reserve(context.Background(), "t", 1)
	require.NoError(t, err)

	w.process(context.Background(), jobs[0])

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
}

func TestProcessFailsJobImmediatelyOnNonRetryableError(t *testing.T) {
	w, q := newTestWorker(t, &fakeHandler{fn: func(ctx context.Context, job queue.Job) error {
		return orcherr.New(orcherr.KindValidation, "bad schema", nil)
	}}, 5)

	_, err := q.Enqueue(context.Background(), "t", "payload", queue.EnqueueOpts{})
	require.NoError(t, err)
	jobs, err := q.Reserve(context.Background(), "t", 1)
	require.NoError(t, err)

	w.process(context.Background(), jobs[0])

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	w, _ := newTestWorker(t, &fakeHandler{fn: func(ctx context.Context, job queue.Job) error { return nil }}, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
