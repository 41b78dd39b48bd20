package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraph-dev/orchestrator/internal/graphclient"
	"github.com/codegraph-dev/orchestrator/internal/llmclient"
	"github.com/codegraph-dev/orchestrator/internal/logging"
	"github.com/codegraph-dev/orchestrator/internal/queue"
	"github.com/codegraph-dev/orchestrator/internal/store"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log, err := logging.New(logging.Config{})
	require.NoError(t, err)

	return Deps{
		Store: st,
		Redis: client,
		LLM:   llmclient.New(llmclient.Config{APIKey: "test-key"}),
		Graph: graphclient.NewInMemory(),
		Log:   log,
		Config: RunConfig{
			RunID:     "r1",
			TargetDir: t.TempDir(),
		},
	}
}

func TestNewWiresAllWorkerTypes(t *testing.T) {
	s, err := New(testDeps(t))
	require.NoError(t, err)
	assert.Len(t, s.workers, 7)
	assert.Len(t, s.queues, 7)
	assert.NotNil(t, s.publisher)
	assert.NotNil(t, s.identity)
}

func TestAggregateCountsSumsAcrossQueues(t *testing.T) {
	s, err := New(testDeps(t))
	require.NoError(t, err)

	_, err = s.queues["file-analysis"].Enqueue(context.Background(), "file-analysis", "x", queue.EnqueueOpts{})
	require.NoError(t, err)

	agg, err := s.aggregateCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.waiting)
}

func TestCapOrDefault(t *testing.T) {
	assert.Equal(t, 100, capOrDefault(0))
	assert.Equal(t, 100, capOrDefault(-1))
	assert.Equal(t, 100, capOrDefault(200))
	assert.Equal(t, 50, capOrDefault(50))
}

func TestOrIntDefault(t *testing.T) {
	assert.Equal(t, 2, orIntDefault(0, 2))
	assert.Equal(t, 2, orIntDefault(-1, 2))
	assert.Equal(t, 8, orIntDefault(8, 2))
}

func TestNewDefaultsMemoryBudgetWhenUnset(t *testing.T) {
	s, err := New(testDeps(t))
	require.NoError(t, err)
	assert.EqualValues(t, defaultMemoryBudgetBytes, s.deps.Config.MemoryBudgetBytes)
}

func TestNewKeepsExplicitMemoryBudget(t *testing.T) {
	deps := testDeps(t)
	deps.Config.MemoryBudgetBytes = 512 << 20
	s, err := New(deps)
	require.NoError(t, err)
	assert.EqualValues(t, 512<<20, s.deps.Config.MemoryBudgetBytes)
}

func TestMemoryPercentThresholds(t *testing.T) {
	assert.InDelta(t, 50, memoryPercent(512, 1024), 0.001)
	assert.InDelta(t, 80, memoryPercent(800, 1000), 0.001)
	assert.InDelta(t, 100, memoryPercent(1000, 1000), 0.001)
	assert.InDelta(t, 100, memoryPercent(2<<30, 0), 0.001, "a non-positive budget falls back to the default")
}

func TestProcessRSSReportsPositiveValue(t *testing.T) {
	rss, err := processRSS()
	require.NoError(t, err)
	assert.Greater(t, rss, uint64(0))
}

func TestStopCancelsWorkerContext(t *testing.T) {
	s, err := New(testDeps(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelWorkers = cancel
	s.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the worker context")
	}
}
