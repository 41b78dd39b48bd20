// Package reconcile implements the Confidence Scorer & Reconciler
// (C8): fuses every evidence observation recorded for a relationship
// fingerprint into a final VALIDATED/DISCARDED decision.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/codegraph-dev/orchestrator/internal/domain"
	"github.com/codegraph-dev/orchestrator/internal/queue"
	"github.com/codegraph-dev/orchestrator/internal/store"
)

// ValidationThreshold is the fixed-per-run acceptance cutoff (spec
// §4.8 step 5).
const ValidationThreshold = 0.5

// ConflictSpread is the max-min threshold above which evidence is
// flagged conflicting (kept for audit only).
const ConflictSpread = 0.4

// ConvergenceBonusCap bounds the variance-driven convergence bonus.
const ConvergenceBonusCap = 0.2

// Decision is the outcome of fusing a fingerprint's evidence.
type Decision struct {
	Status     domain.RelationshipStatus
	Confidence float64
	Conflict   bool
}

// Fuse implements spec §4.8 steps 1-5 exactly. scores must already
// have per-observation defaults substituted (C6's responsibility).
func Fuse(scores []float64) Decision {
	if len(scores) == 0 {
		return Decision{Status: domain.RelDiscarded}
	}

	mean, variance := meanVariance(scores)

	bonus := 0.0
	if len(scores) >= 2 {
		bonus = math.Max(0, (1-variance)*ConvergenceBonusCap)
	}
	final := clamp(mean+bonus, 0, 1)

	lo, hi := scores[0], scores[0]
	for _, s := range scores {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	conflict := (hi - lo) > ConflictSpread

	status := domain.RelDiscarded
	if final > ValidationThreshold {
		status = domain.RelValidated
	}

	return Decision{Status: status, Confidence: final, Conflict: conflict}
}

func meanVariance(scores []float64) (mean, variance float64) {
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	mean = sum / float64(len(scores))

	sqDiff := 0.0
	for _, s := range scores {
		d := s - mean
		sqDiff += d * d
	}
	variance = sqDiff / float64(len(scores))
	return mean, variance
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Worker is the reconciliation queue's job handler. It is a no-op
// (and not an error) if the fingerprint is already terminal, which is
// what the monotonicity invariant (spec §8.5) requires.
type Worker struct {
	Store          *store.Store
	GraphIngestion *queue.Queue
}

type jobPayload struct {
	Fingerprint string `json:"fingerprint"`
}

// Handle implements worker.Handler.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("reconcile: bad payload: %w", err)
	}

	runID := runIDFromJob(job)
	status, err := w.Store.RelationshipStatus(ctx, runID, p.Fingerprint)
	if err == nil && status != domain.RelPending {
		return nil // already terminal; ignore further evidence
	}

	evidence, err := w.Store.EvidenceForFingerprint(ctx, runID, p.Fingerprint)
	if err != nil {
		return fmt.Errorf("reconcile: load evidence: %w", err)
	}
	scores := make([]float64, len(evidence))
	for i, e := range evidence {
		scores[i] = e.Score
	}

	decision := Fuse(scores)
	if err := w.Store.UpdateRelationshipsByFingerprint(ctx, runID, p.Fingerprint, decision.Status, decision.Confidence, decision.Conflict); err != nil {
		return err
	}
	if decision.Status != domain.RelValidated || w.GraphIngestion == nil {
		return nil
	}
	_, err = w.GraphIngestion.Enqueue(ctx, "graph-ingestion", map[string]any{"runId": runID}, queue.EnqueueOpts{Priority: 2})
	return err
}

func runIDFromJob(job queue.Job) string {
	var withRun struct {
		RunID string `json:"runId"`
	}
	_ = json.Unmarshal(job.Payload, &withRun)
	return withRun.RunID
}
