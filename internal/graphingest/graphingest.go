// Package graphingest implements the graph-ingestion worker handler:
// takes reconciled, VALIDATED relationships and writes them to the
// external graph store. Writes are coalesced across concurrent job
// invocations via a microbatch.Batcher so bursts of reconciliation
// completions translate into a handful of graph round trips instead
// of one per relationship.
package graphingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/joeycumines/go-utilpkg/microbatch"

	"github.com/codegraph-dev/orchestrator/internal/domain"
	"github.com/codegraph-dev/orchestrator/internal/graphclient"
	"github.com/codegraph-dev/orchestrator/internal/orcherr"
	"github.com/codegraph-dev/orchestrator/internal/queue"
	"github.com/codegraph-dev/orchestrator/internal/store"
)

const defaultBatchSize = 100

// ingestJob is one relationship awaiting a batched graph write.
type ingestJob struct {
	runID string
	rel   domain.Relationship
}

// Worker is the graph-ingestion queue's job handler.
type Worker struct {
	Store   *store.Store
	Graph   graphclient.Client
	batcher *microbatch.Batcher[ingestJob]
}

type jobPayload struct {
	RunID string `json:"runId"`
}

// New builds a Worker whose relationship writes are coalesced into
// batches of up to 32, or every 200ms, whichever comes first.
func New(st *store.Store, graph graphclient.Client) *Worker {
	w := &Worker{Store: st, Graph: graph}
	w.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        32,
		FlushInterval:  200 * time.Millisecond,
		MaxConcurrency: 2,
	}, w.writeBatch)
	return w
}

// Handle implements worker.Handler.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return orcherr.New(orcherr.KindValidation, "graphingest: bad payload", err)
	}

	batch, err := w.Store.PendingGraphRelationships(ctx, p.RunID, defaultBatchSize)
	if err != nil {
		return orcherr.New(orcherr.KindInfrastructure, "graphingest: load batch", err)
	}

	for _, rel := range batch {
		result, err := w.batcher.Submit(ctx, ingestJob{runID: p.RunID, rel: rel})
		if err != nil {
			return orcherr.New(orcherr.KindInfrastructure, "graphingest: submit", err)
		}
		if err := result.Wait(ctx); err != nil {
			return orcherr.New(orcherr.KindInfrastructure, "graphingest: write", err)
		}
	}
	return nil
}

// writeBatch is the microbatch.BatchProcessor: it writes every
// relationship in the batch to the graph store in one call, then
// marks them ingested, grouped by run id.
func (w *Worker) writeBatch(ctx context.Context, jobs []ingestJob) error {
	byRun := make(map[string][]domain.Relationship)
	for _, j := range jobs {
		byRun[j.runID] = append(byRun[j.runID], j.rel)
	}

	for runID, rels := range byRun {
		if err := w.Graph.WriteRelationships(ctx, rels); err != nil {
			return err
		}
		fingerprints := make([]string, len(rels))
		for i, r := range rels {
			fingerprints[i] = r.Fingerprint
		}
		if err := w.Store.MarkRelationshipsIngested(ctx, runID, fingerprints); err != nil {
			return err
		}
	}
	return nil
}
