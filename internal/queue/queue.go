// Package queue implements the Queue Adapter (C1): durable
// FIFO-with-priority queues backed by Redis, with at-least-once
// delivery and stall-based redelivery.
//
// The claim/lease architecture follows the "no row locking,
// status-based" polling design documented in the flowcatalyst outbox
// processor (other_examples), adapted here to a sorted-set queue
// instead of a generic row table; the go-redis/v8 client itself
// follows the teacher's infrastructure/cache client wiring style.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/codegraph-dev/orchestrator/internal/metrics"
)

// Job is a single unit of work reserved off a queue.
type Job struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
	Attempts int             `json:"attempts"`
	MaxRetry int             `json:"maxRetry"`
}

// EnqueueOpts controls placement of a newly-enqueued job.
type EnqueueOpts struct {
	Priority int // lower value served first
	Attempts int // starting attempt count, normally 0
	MaxRetry int
}

// Counts mirrors the state introspection contract of spec §4.1.
type Counts struct {
	Waiting    int64
	Active     int64
	Delayed    int64
	Completed  int64
	Failed     int64
	Prioritized int64
}

const stallInterval = 60 * time.Second

// Queue is a single named durable priority queue.
type Queue struct {
	name   string
	rdb    *redis.Client
	retain time.Duration // completed/failed retention
}

// New returns a handle onto the named queue. client is shared across
// all queues of a process (one Redis connection pool).
func New(client *redis.Client, name string, retention time.Duration) *Queue {
	if retention == 0 {
		retention = 24 * time.Hour
	}
	return &Queue{name: name, rdb: client, retain: retention}
}

func (q *Queue) key(suffix string) string { return fmt.Sprintf("orchestrator:queue:%s:%s", q.name, suffix) }

// Enqueue adds a job; priority then FIFO ordering is implemented via
// a sorted-set score of priority*1e13 + unix-nanos, so lower scores
// (higher priority, earlier arrival) pop first.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any, opts EnqueueOpts) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}
	job := Job{ID: uuid.NewString(), Kind: kind, Payload: raw, Priority: opts.Priority, Attempts: opts.Attempts, MaxRetry: opts.MaxRetry}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job: %w", err)
	}

	score := float64(opts.Priority)*1e13 + float64(time.Now().UnixNano()%1e13)

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key("jobs"), job.ID, data)
	pipe.ZAdd(ctx, q.key("waiting"), &redis.Z{Score: score, Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	metrics.QueueDepth.WithLabelValues(q.name, "waiting").Inc()
	return job.ID, nil
}

// Reserve leases up to n waiting jobs to worker, moving them into the
// active set with a stall deadline. Returns an empty slice (never
// blocks) if nothing is waiting.
func (q *Queue) Reserve(ctx context.Context, worker string, n int) ([]Job, error) {
	q.requeueStalled(ctx)
	q.promoteDue(ctx)

	ids, err := q.rdb.ZPopMin(ctx, q.key("waiting"), int64(n)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queue: reserve: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	jobs := make([]Job, 0, len(ids))
	leaseScore := float64(time.Now().Add(stallInterval).UnixNano())
	pipe := q.rdb.TxPipeline()
	for _, z := range ids {
		id, _ := z.Member.(string)
		data, err := q.rdb.HGet(ctx, q.key("jobs"), id).Result()
		if err != nil {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
		pipe.ZAdd(ctx, q.key("active"), &redis.Z{Score: leaseScore, Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: lease: %w", err)
	}
	metrics.QueueDepth.WithLabelValues(q.name, "waiting").Sub(float64(len(jobs)))
	metrics.QueueDepth.WithLabelValues(q.name, "active").Add(float64(len(jobs)))
	return jobs, nil
}

// Complete marks a job finished; idempotent if called twice.
func (q *Queue) Complete(ctx context.Context, job Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("active"), job.ID)
	pipe.ZAdd(ctx, q.key("completed"), &redis.Z{Score: float64(time.Now().Unix()), Member: job.ID})
	pipe.HDel(ctx, q.key("jobs"), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: complete: %w", err)
	}
	metrics.QueueDepth.WithLabelValues(q.name, "active").Dec()
	q.trimRetention(ctx, "completed")
	return nil
}

// Fail marks a job permanently failed; idempotent.
func (q *Queue) Fail(ctx context.Context, job Job, reason string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("active"), job.ID)
	pipe.ZAdd(ctx, q.key("failed"), &redis.Z{Score: float64(time.Now().Unix()), Member: job.ID})
	pipe.HSet(ctx, q.key("failreason"), job.ID, reason)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: fail: %w", err)
	}
	metrics.QueueDepth.WithLabelValues(q.name, "active").Dec()
	q.trimRetention(ctx, "failed")
	return nil
}

// Requeue returns a job to waiting (or delayed, if delay>0) with its
// attempt counter incremented.
func (q *Queue) Requeue(ctx context.Context, job Job, delay time.Duration) error {
	job.Attempts++
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal requeue: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("active"), job.ID)
	pipe.HSet(ctx, q.key("jobs"), job.ID, data)
	if delay > 0 {
		readyAt := float64(time.Now().Add(delay).UnixNano())
		pipe.ZAdd(ctx, q.key("delayed"), &redis.Z{Score: readyAt, Member: job.ID})
	} else {
		score := float64(job.Priority)*1e13 + float64(time.Now().UnixNano()%1e13)
		pipe.ZAdd(ctx, q.key("waiting"), &redis.Z{Score: score, Member: job.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: requeue: %w", err)
	}
	return nil
}

// promoteDue moves delayed jobs whose deadline has passed into
// waiting.
func (q *Queue) promoteDue(ctx context.Context) {
	now := float64(time.Now().UnixNano())
	due, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil || len(due) == 0 {
		return
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range due {
		data, err := q.rdb.HGet(ctx, q.key("jobs"), id).Result()
		if err != nil {
			continue
		}
		var job Job
		if json.Unmarshal([]byte(data), &job) != nil {
			continue
		}
		score := float64(job.Priority)*1e13 + float64(time.Now().UnixNano()%1e13)
		pipe.ZAdd(ctx, q.key("waiting"), &redis.Z{Score: score, Member: id})
		pipe.ZRem(ctx, q.key("delayed"), id)
	}
	pipe.Exec(ctx)
}

// requeueStalled returns active jobs whose lease has expired back to
// waiting, implementing the "leased jobs return to waiting after a
// stall interval" guarantee (spec §4.1).
func (q *Queue) requeueStalled(ctx context.Context) {
	now := float64(time.Now().UnixNano())
	stalled, err := q.rdb.ZRangeByScore(ctx, q.key("active"), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil || len(stalled) == 0 {
		return
	}
	for _, id := range stalled {
		data, err := q.rdb.HGet(ctx, q.key("jobs"), id).Result()
		if err != nil {
			q.rdb.ZRem(ctx, q.key("active"), id)
			continue
		}
		var job Job
		if json.Unmarshal([]byte(data), &job) != nil {
			q.rdb.ZRem(ctx, q.key("active"), id)
			continue
		}
		q.Requeue(ctx, job, 0)
	}
}

func (q *Queue) trimRetention(ctx context.Context, kind string) {
	cutoff := float64(time.Now().Add(-q.retain).Unix())
	q.rdb.ZRemRangeByScore(ctx, q.key(kind), "-inf", fmt.Sprintf("%f", cutoff))
}

// Counts reports the introspection snapshot for this queue.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("waiting"))
	active := pipe.ZCard(ctx, q.key("active"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Counts{}, fmt.Errorf("queue: counts: %w", err)
	}
	c := Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	metrics.QueueDepth.WithLabelValues(q.name, "waiting").Set(float64(c.Waiting))
	metrics.QueueDepth.WithLabelValues(q.name, "active").Set(float64(c.Active))
	metrics.QueueDepth.WithLabelValues(q.name, "delayed").Set(float64(c.Delayed))
	return c, nil
}

// ActiveJob describes one in-flight job for deadlock diagnostic
// snapshots (spec §4.10): its id, kind, and how long it has held its
// lease.
type ActiveJob struct {
	ID   string
	Kind string
	Age  time.Duration
}

// ActiveJobs enumerates every job currently leased to a worker, with
// lease age, so the supervisor can record a diagnostic snapshot when
// it flags a deadlock.
func (q *Queue) ActiveJobs(ctx context.Context) ([]ActiveJob, error) {
	zs, err := q.rdb.ZRangeWithScores(ctx, q.key("active"), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queue: active jobs: %w", err)
	}
	now := time.Now()
	jobs := make([]ActiveJob, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		leaseStart := time.Unix(0, int64(z.Score)).Add(-stallInterval)
		kind := ""
		if data, err := q.rdb.HGet(ctx, q.key("jobs"), id).Result(); err == nil {
			var job Job
			if json.Unmarshal([]byte(data), &job) == nil {
				kind = job.Kind
			}
		}
		jobs = append(jobs, ActiveJob{ID: id, Kind: kind, Age: now.Sub(leaseStart)})
	}
	return jobs, nil
}

// Ping satisfies the broker health probe contract (spec §4.12).
func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}
