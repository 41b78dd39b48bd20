package graphingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraph-dev/orchestrator/internal/domain"
	"github.com/codegraph-dev/orchestrator/internal/graphclient"
	"github.com/codegraph-dev/orchestrator/internal/queue"
	"github.com/codegraph-dev/orchestrator/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedValidatedRelationship(t *testing.T, st *store.Store, runID, fingerprint string) {
	t.Helper()
	require.NoError(t, st.InTransaction(context.Background(), func(tx *sql.Tx) error {
		if err := store.EnsureRelationship(tx, domain.Relationship{
			RunID: runID, Fingerprint: fingerprint, FromSemanticID: "a", ToSemanticID: "b", Kind: domain.RelCalls,
			ResolutionLevel: domain.ResolutionFile,
		}); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE relationships SET status = ? WHERE run_id = ? AND fingerprint = ?`, domain.RelValidated, runID, fingerprint)
		return err
	}))
}

func TestHandleWritesValidatedRelationshipsToGraph(t *testing.T) {
	st := openTestStore(t)
	seedValidatedRelationship(t, st, "run1", "fp1")
	seedValidatedRelationship(t, st, "run1", "fp2")

	graph := graphclient.NewInMemory()
	w := New(st, graph)

	payload, err := json.Marshal(jobPayload{RunID: "run1"})
	require.NoError(t, err)

	require.NoError(t, w.Handle(context.Background(), queue.Job{Payload: payload}))

	mem := graph.(interface{ Count() int })
	assert.Equal(t, 2, mem.Count())

	remaining, err := st.PendingGraphRelationships(context.Background(), "run1", 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestHandleIsNoOpWithNothingPending(t *testing.T) {
	st := openTestStore(t)
	graph := graphclient.NewInMemory()
	w := New(st, graph)

	payload, err := json.Marshal(jobPayload{RunID: "run1"})
	require.NoError(t, err)

	require.NoError(t, w.Handle(context.Background(), queue.Job{Payload: payload}))
}
