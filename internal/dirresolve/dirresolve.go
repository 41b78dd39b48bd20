// Package dirresolve implements the directory-resolution worker: it
// is nudged once per completed file and promotes a directory to the
// directory-aggregation queue whenever it finds that every sibling
// file discovered in that run has finished file-analysis. Two nudges
// that both see the directory finished each enqueue an aggregation
// job; see Handle.
//
// This two-step split (resolution of readiness, then aggregation
// proper) is this pipeline's answer to spec §6 naming both
// `directory-resolution` and `directory-aggregation` as distinct
// queues; grounded on the teacher's pattern of small, single-purpose
// worker handlers chained through the outbox rather than one handler
// doing both jobs.
package dirresolve

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codegraph-dev/orchestrator/internal/orcherr"
	"github.com/codegraph-dev/orchestrator/internal/queue"
	"github.com/codegraph-dev/orchestrator/internal/store"
)

// Worker is the directory-resolution queue's job handler.
type Worker struct {
	Store                *store.Store
	DirectoryAggregation *queue.Queue
}

type jobPayload struct {
	RunID     string `json:"runId"`
	Directory string `json:"directory"`
}

// Handle implements worker.Handler. It is safe to run concurrently
// for the same directory: the underlying aggregation job being
// enqueued more than once is harmless because diraggregate's writes
// are idempotent upserts.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return orcherr.New(orcherr.KindValidation, "dirresolve: bad payload", err)
	}

	remaining, err := w.Store.CountUnprocessedFilesInDirectory(ctx, p.RunID, p.Directory)
	if err != nil {
		return orcherr.New(orcherr.KindInfrastructure, fmt.Sprintf("dirresolve: count %s", p.Directory), err)
	}
	if remaining > 0 {
		return nil // not ready yet; a later sibling completion will re-check
	}

	_, err = w.DirectoryAggregation.Enqueue(ctx, "directory-aggregation", map[string]any{
		"runId":     p.RunID,
		"directory": p.Directory,
	}, queue.EnqueueOpts{Priority: 4})
	return err
}
