package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cfg(name string) Config {
	c := DefaultConfig(name)
	c.FailureThreshold = 3
	c.ResetTimeout = 10 * time.Millisecond
	c.BaseRetryDelay = 5 * time.Millisecond
	c.MaxRetryDelay = 20 * time.Millisecond
	c.PartialRecoveryThresh = 0.5
	c.PartialRecoveryWindow = 3
	return c
}

func TestExecuteStaysClosedOnSuccess(t *testing.T) {
	b := New(cfg("svc"))
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestExecuteOpensAfterThreshold(t *testing.T) {
	b := New(cfg("svc"))
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(context.Background(), func(context.Context) error {
		t.Fatal("fn must not be called while OPEN and before reset timeout")
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
}

func TestHalfOpenClosesAfterSufficientSuccessRatio(t *testing.T) {
	c := cfg("svc")
	b := New(c)
	boom := errors.New("boom")
	for i := 0; i < c.FailureThreshold; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return boom })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(c.ResetTimeout + 5*time.Millisecond)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))
		assert.Equal(t, StateHalfOpen, b.State(), "fewer than 3 recorded probes must not close the breaker")
	}

	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenReopensImmediatelyOnFailure(t *testing.T) {
	c := cfg("svc")
	b := New(c)
	boom := errors.New("boom")
	for i := 0; i < c.FailureThreshold; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return boom })
	}
	time.Sleep(c.ResetTimeout + 5*time.Millisecond)

	err := b.Execute(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateOpen, b.State())
}

func TestNonCountingErrorsDoNotAccumulate(t *testing.T) {
	c := cfg("svc")
	b := New(c)
	rateLimited := errors.New("rate limited")
	b.NonCounting = func(err error) bool { return errors.Is(err, rateLimited) }

	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return rateLimited })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestFallbackServesOnOpen(t *testing.T) {
	c := cfg("svc")
	b := New(c)
	boom := errors.New("boom")
	for i := 0; i < c.FailureThreshold; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return boom })
	}
	require.Equal(t, StateOpen, b.State())

	b.Fallback = func(ctx context.Context) (any, error) { return "cached", nil }
	err := b.Execute(context.Background(), func(context.Context) error {
		t.Fatal("fn must not run while OPEN")
		return nil
	})
	assert.NoError(t, err)
}

func TestMarkRateLimitedBlocksCallsRegardlessOfState(t *testing.T) {
	b := New(cfg("svc"))
	b.MarkRateLimited(50 * time.Millisecond)

	err := b.Execute(context.Background(), func(context.Context) error {
		t.Fatal("fn must not run during rate-limit backoff")
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
}

func TestPersistAndReloadState(t *testing.T) {
	dir := t.TempDir()
	c := cfg("persisted")
	c.PersistDir = dir
	b := New(c)
	boom := errors.New("boom")
	for i := 0; i < c.FailureThreshold; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return boom })
	}
	require.Equal(t, StateOpen, b.State())

	reloaded := New(c)
	assert.Equal(t, StateOpen, reloaded.State())
}

func TestStaleDiskStateIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	c := cfg("stale")
	c.PersistDir = dir

	stale := persistedState{
		State:     StateOpen.String(),
		Timestamp: time.Now().Add(-2 * time.Hour),
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cb-stale.json"), data, 0o644))

	reloaded := New(c)
	assert.Equal(t, StateClosed, reloaded.State())
}

func TestOnStateChangeCallback(t *testing.T) {
	c := cfg("callback")
	transitions := make(chan [2]State, 8)
	c.OnStateChange = func(name string, from, to State) {
		transitions <- [2]State{from, to}
	}
	b := New(c)
	boom := errors.New("boom")
	for i := 0; i < c.FailureThreshold; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return boom })
	}

	select {
	case tr := <-transitions:
		assert.Equal(t, StateOpen, tr[1])
	case <-time.After(time.Second):
		t.Fatal("expected a state-change callback")
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := Jitter(base)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestStateStringValues(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "OPEN", StateOpen.String())
}
