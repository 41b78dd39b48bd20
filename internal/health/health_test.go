package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAggregatesWorstOf(t *testing.T) {
	m := New(time.Second)
	m.Register("ok", func(ctx context.Context) *ComponentHealth {
		return &ComponentHealth{Status: StatusHealthy}
	})
	m.Register("degraded", func(ctx context.Context) *ComponentHealth {
		return &ComponentHealth{Status: StatusDegraded, Message: "slow"}
	})

	resp := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Components, 2)
}

func TestCheckUnhealthyDominates(t *testing.T) {
	m := New(time.Second)
	m.Register("down", func(ctx context.Context) *ComponentHealth {
		return &ComponentHealth{Status: StatusUnhealthy}
	})
	m.Register("degraded", func(ctx context.Context) *ComponentHealth {
		return &ComponentHealth{Status: StatusDegraded}
	})

	resp := m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestPingProbeWrapsError(t *testing.T) {
	probe := PingProbe(func(ctx context.Context) error { return errors.New("boom") })
	result := probe(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Message, "boom")
}

func TestPingProbeSuccess(t *testing.T) {
	probe := PingProbe(func(ctx context.Context) error { return nil })
	result := probe(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
}

func TestHandlerReturns503WhenUnhealthy(t *testing.T) {
	m := New(time.Second)
	m.Register("down", func(ctx context.Context) *ComponentHealth {
		return &ComponentHealth{Status: StatusUnhealthy}
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	Handler(m).ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlerReturns200WhenHealthy(t *testing.T) {
	m := New(time.Second)
	m.Register("ok", func(ctx context.Context) *ComponentHealth {
		return &ComponentHealth{Status: StatusHealthy}
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	Handler(m).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, m.LastResult())
}
