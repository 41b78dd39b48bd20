package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraph-dev/orchestrator/internal/domain"
	"github.com/codegraph-dev/orchestrator/internal/queue"
	"github.com/codegraph-dev/orchestrator/internal/store"
)

func TestFuseValidatesAboveThreshold(t *testing.T) {
	d := Fuse([]float64{0.7, 0.8})
	assert.Equal(t, domain.RelValidated, d.Status)
	assert.False(t, d.Conflict)
}

func TestFuseDiscardsBelowThreshold(t *testing.T) {
	d := Fuse([]float64{0.2, 0.1})
	assert.Equal(t, domain.RelDiscarded, d.Status)
}

func TestFuseFlagsConflictOnWideSpread(t *testing.T) {
	d := Fuse([]float64{0.9, 0.1})
	assert.True(t, d.Conflict)
}

func TestFuseEmptyScoresDiscards(t *testing.T) {
	d := Fuse(nil)
	assert.Equal(t, domain.RelDiscarded, d.Status)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.New(client, "graph-ingestion", time.Hour)
}

func seedPending(t *testing.T, st *store.Store, runID, fingerprint string, scores []float64) {
	t.Helper()
	require.NoError(t, st.InTransaction(context.Background(), func(tx *sql.Tx) error {
		if err := store.EnsureRelationship(tx, domain.Relationship{
			RunID: runID, Fingerprint: fingerprint, FromSemanticID: "a", ToSemanticID: "b",
			Kind: domain.RelCalls, ResolutionLevel: domain.ResolutionFile,
		}); err != nil {
			return err
		}
		now := time.Now()
		evidence := make([]domain.Evidence, len(scores))
		for i, s := range scores {
			evidence[i] = domain.Evidence{RunID: runID, Fingerprint: fingerprint, Score: s, ObservedAt: now}
		}
		return store.BatchInsertEvidence(tx, evidence)
	}))
}

func TestHandleEnqueuesGraphIngestionOnValidation(t *testing.T) {
	st := openTestStore(t)
	seedPending(t, st, "run1", "fp1", []float64{0.8, 0.9})

	q := testQueue(t)
	w := &Worker{Store: st, GraphIngestion: q}

	payload, err := json.Marshal(map[string]any{"runId": "run1", "fingerprint": "fp1"})
	require.NoError(t, err)

	require.NoError(t, w.Handle(context.Background(), queue.Job{Payload: payload}))

	status, err := st.RelationshipStatus(context.Background(), "run1", "fp1")
	require.NoError(t, err)
	assert.Equal(t, domain.RelValidated, status)

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestHandleDoesNotEnqueueWhenDiscarded(t *testing.T) {
	st := openTestStore(t)
	seedPending(t, st, "run1", "fp1", []float64{0.1, 0.1})

	q := testQueue(t)
	w := &Worker{Store: st, GraphIngestion: q}

	payload, err := json.Marshal(map[string]any{"runId": "run1", "fingerprint": "fp1"})
	require.NoError(t, err)

	require.NoError(t, w.Handle(context.Background(), queue.Job{Payload: payload}))

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.Waiting)
}

func TestHandleIgnoresAlreadyTerminalFingerprint(t *testing.T) {
	st := openTestStore(t)
	seedPending(t, st, "run1", "fp1", []float64{0.9, 0.9})

	q := testQueue(t)
	w := &Worker{Store: st, GraphIngestion: q}
	payload, err := json.Marshal(map[string]any{"runId": "run1", "fingerprint": "fp1"})
	require.NoError(t, err)

	require.NoError(t, w.Handle(context.Background(), queue.Job{Payload: payload}))
	require.NoError(t, w.Handle(context.Background(), queue.Job{Payload: payload}))

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting, "second handle must be a no-op, not a duplicate enqueue")
}
