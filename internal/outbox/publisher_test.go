package outbox

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraph-dev/orchestrator/internal/domain"
	"github.com/codegraph-dev/orchestrator/internal/logging"
	"github.com/codegraph-dev/orchestrator/internal/queue"
	"github.com/codegraph-dev/orchestrator/internal/store"
)

func newTestPublisher(t *testing.T) (*Publisher, *store.Store, Queues) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	queues := Queues{
		DirectoryResolution:    queue.New(client, "directory-resolution", time.Hour),
		RelationshipResolution: queue.New(client, "relationship-resolution", time.Hour),
		Reconciliation:         queue.New(client, "reconciliation", time.Hour),
	}
	log, _ := logging.New(logging.Config{})
	return New(Config{RunID: "r1", BatchLimit: 10}, st, queues, log), st, queues
}

func TestPollOncePOIBatchEnqueuesDirectoryResolution(t *testing.T) {
	p, st, queues := newTestPublisher(t)
	require.NoError(t, st.InTransaction(context.Background(), func(tx *sql.Tx) error {
		return store.InsertOutbox(tx, "r1", domain.EventPOIBatch, []byte(`{"directory":"/pkg"}`))
	}))

	require.NoError(t, p.pollOnce(context.Background()))

	jobs, err := queues.DirectoryResolution.Reserve(context.Background(), "w", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestPollOnceMarksMalformedEventFailed(t *testing.T) {
	p, st, _ := newTestPublisher(t)
	require.NoError(t, st.InTransaction(context.Background(), func(tx *sql.Tx) error {
		return store.InsertOutbox(tx, "r1", domain.EventPOIBatch, []byte(`{}`))
	}))

	require.NoError(t, p.pollOnce(context.Background()))

	pending, err := st.CountPendingOutbox(context.Background(), "r1")
	require.NoError(t, err)
	assert.Zero(t, pending, "the failed row must no longer be pending")
}

func TestPollOnceRelEvidenceResolvesAndEnqueuesReconciliation(t *testing.T) {
	p, st, queues := newTestPublisher(t)
	require.NoError(t, st.InTransaction(context.Background(), func(tx *sql.Tx) error {
		if err := store.BatchInsertPOIs(tx, []domain.POI{
			{RunID: "r1", File: "/a.go", Name: "Caller", Kind: domain.POIFunction, SemanticID: "a_fn_caller"},
			{RunID: "r1", File: "/b.go", Name: "Callee", Kind: domain.POIFunction, SemanticID: "b_fn_callee"},
		}); err != nil {
			return err
		}
		return store.InsertOutbox(tx, "r1", domain.EventRelEvidence, []byte(`{"from":"a_fn_caller","to":"b_fn_callee","kind":"calls","fingerprint":"fp1","score":0.9}`))
	}))

	require.NoError(t, p.pollOnce(context.Background()))

	status, err := st.RelationshipStatus(context.Background(), "r1", "fp1")
	require.NoError(t, err)
	assert.Equal(t, domain.RelPending, status)

	jobs, err := queues.Reconciliation.Reserve(context.Background(), "w", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestScoreWithDefaultFallsBackForSyntheticEvidence(t *testing.T) {
	assert.Equal(t, 0.6, scoreWithDefault(`{"synthetic":true}`))
	assert.Equal(t, 0.7, scoreWithDefault(`{}`))
	assert.Equal(t, 0.42, scoreWithDefault(`{"score":0.42}`))
}
