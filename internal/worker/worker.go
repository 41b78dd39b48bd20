// Package worker implements the Managed Worker (C5): wraps a
// job-handler with permit acquisition, breaker protection, timeout,
// retry, and metrics.
//
// Workers are modeled as a uniform JobHandler interface per spec §9's
// redesign note (replacing dynamic dispatch across worker
// implementations); the surrounding lifecycle (context-cancellation,
// WaitGroup drain) follows the teacher's service goroutine patterns.
// Retry backoff uses cenkalti/backoff/v4's ExponentialBackOff, which
// already implements the "delay = base*2^attempt with jitter"
// formula spec §4.5 names.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codegraph-dev/orchestrator/internal/breaker"
	"github.com/codegraph-dev/orchestrator/internal/governor"
	"github.com/codegraph-dev/orchestrator/internal/logging"
	"github.com/codegraph-dev/orchestrator/internal/metrics"
	"github.com/codegraph-dev/orchestrator/internal/orcherr"
	"github.com/codegraph-dev/orchestrator/internal/queue"
)

// Handler is the uniform job-processing contract every worker type
// implements (file-analysis, directory-aggregation,
// relationship-resolution, validation, reconciliation,
// graph-ingestion — spec §4.5's table).
type Handler interface {
	Handle(ctx context.Context, job queue.Job) error
}

// Config parametrizes a single Managed Worker instance.
type Config struct {
	WorkerType      string
	Priority        int
	Queue           *queue.Queue
	Governor        *governor.Governor
	Breaker         *breaker.Breaker
	JobTimeout      time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
	BaseConcurrency int
}

// Worker runs Config.BaseConcurrency (adjusted by the governor)
// reservation loops against one queue.
type Worker struct {
	cfg     Config
	handler Handler
	log     *logging.Logger

	wg sync.WaitGroup
}

// New builds a worker bound to handler.
func New(cfg Config, handler Handler, log *logging.Logger) *Worker {
	if cfg.BaseConcurrency < 1 {
		cfg.BaseConcurrency = 1
	}
	return &Worker{cfg: cfg, handler: handler, log: log}
}

// Run starts BaseConcurrency reservation loops and blocks until ctx
// is cancelled, then drains in-flight jobs.
func (w *Worker) Run(ctx context.Context) {
	for i := 0; i < w.cfg.BaseConcurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobs, err := w.cfg.Queue.Reserve(ctx, w.cfg.WorkerType, 1)
		if err != nil {
			w.log.WithFields(map[string]any{"worker_type": w.cfg.WorkerType, "error": err}).Warn("reserve failed")
			time.Sleep(time.Second)
			continue
		}
		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}

		w.process(ctx, jobs[0])
	}
}

func (w *Worker) process(ctx context.Context, job queue.Job) {
	permit, err := w.cfg.Governor.Acquire(ctx, w.cfg.WorkerType, w.cfg.Priority, w.cfg.JobTimeout)
	if err != nil {
		// governor timeout/rejection: requeue with backoff, permit was
		// never granted so nothing to release.
		w.requeueOrFail(ctx, job, orcherr.New(orcherr.KindInfrastructure, "governor acquire failed", err))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	start := time.Now()

	handlerErr := w.cfg.Breaker.Execute(jobCtx, func(c context.Context) error {
		return w.handler.Handle(c, job)
	})
	cancel()
	w.cfg.Governor.Release(permit)

	outcome := "success"
	if handlerErr != nil {
		outcome = "failure"
	}
	metrics.JobDuration.WithLabelValues(w.cfg.WorkerType, outcome).Observe(time.Since(start).Seconds())

	if handlerErr == nil {
		metrics.JobsTotal.WithLabelValues(w.cfg.WorkerType, "complete").Inc()
		if err := w.cfg.Queue.Complete(ctx, job); err != nil {
			w.log.WithFields(map[string]any{"worker_type": w.cfg.WorkerType, "job_id": job.ID, "error": err}).Error("complete failed")
		}
		return
	}

	if errors.Is(handlerErr, breaker.ErrOpen) {
		handlerErr = orcherr.New(orcherr.KindInfrastructure, "breaker open", handlerErr)
	}
	w.requeueOrFail(ctx, job, handlerErr)
}

func (w *Worker) requeueOrFail(ctx context.Context, job queue.Job, err error) {
	if orcherr.Retryable(err) && job.Attempts < w.cfg.RetryAttempts {
		delay := w.backoffDelay(job.Attempts)
		if rerr := w.cfg.Queue.Requeue(ctx, job, delay); rerr != nil {
			w.log.WithFields(map[string]any{"worker_type": w.cfg.WorkerType, "job_id": job.ID, "error": rerr}).Error("requeue failed")
		}
		return
	}

	metrics.JobsTotal.WithLabelValues(w.cfg.WorkerType, "failed").Inc()
	w.log.WithFields(map[string]any{
		"worker_type": w.cfg.WorkerType,
		"job_id":      job.ID,
		"kind":        orcherr.KindOf(err),
		"error":       err,
	}).Error("job failed permanently")
	if ferr := w.cfg.Queue.Fail(ctx, job, err.Error()); ferr != nil {
		w.log.WithFields(map[string]any{"worker_type": w.cfg.WorkerType, "job_id": job.ID, "error": ferr}).Error("mark-failed failed")
	}
}

// backoffDelay computes retryDelay * 2^attempt with +/-20% jitter via
// cenkalti/backoff's ExponentialBackOff, stepped forward attempt
// times from a fresh generator so each call is independent of
// previous randomization.
func (w *Worker) backoffDelay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.RetryDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	eb.MaxInterval = w.cfg.RetryDelay * time.Duration(1<<uint(w.cfg.RetryAttempts+1))
	eb.MaxElapsedTime = 0
	eb.Reset()

	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		delay = eb.NextBackOff()
	}
	return delay
}
