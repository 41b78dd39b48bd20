package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsAreRegisteredAgainstTheSharedRegistry(t *testing.T) {
	QueueDepth.WithLabelValues("file-analysis", "waiting").Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(QueueDepth.WithLabelValues("file-analysis", "waiting")))

	count, err := Registry.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, count)
}

func TestJobsTotalIncrementsPerWorkerTypeAndOutcome(t *testing.T) {
	JobsTotal.WithLabelValues("graph-ingest", "success").Inc()
	JobsTotal.WithLabelValues("graph-ingest", "success").Inc()
	assert.Equal(t, float64(2), testutil.ToFloat64(JobsTotal.WithLabelValues("graph-ingest", "success")))
}

func TestBreakerStateReflectsLastSetValue(t *testing.T) {
	BreakerState.WithLabelValues("llm").Set(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(BreakerState.WithLabelValues("llm")))
}
