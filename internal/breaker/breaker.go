// Package breaker implements the per-service circuit breaker (C3):
// CLOSED/OPEN/HALF_OPEN state machine with ratio/window partial
// recovery, non-counting error classes, exponential backoff, and
// best-effort JSON persistence.
//
// Generalized from the teacher's infrastructure/resilience package:
// circuit_breaker.go supplies the State enum and beforeRequest/
// afterRequest shape; config.go supplies the preset-config pattern;
// the half-open ratio/window close condition and disk persistence are
// additions this spec requires that the teacher's breaker does not
// have (sony/gobreaker/v2, seen in a sibling file in the same
// package, was considered and rejected — see DESIGN.md).
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codegraph-dev/orchestrator/internal/metrics"
)

// State is one of CLOSED, OPEN, HALF_OPEN.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned when a call fails fast because the breaker is
// OPEN (or OPEN's rate-limit backoff window has not elapsed).
var ErrOpen = errors.New("CIRCUIT_OPEN")

// Config parametrizes a single breaker instance (spec §4.3).
type Config struct {
	Name                   string
	FailureThreshold       int           // F
	ResetTimeout           time.Duration // T
	BaseRetryDelay         time.Duration // D0
	MaxRetryDelay          time.Duration // Dmax
	RetryMultiplier        float64       // r
	PartialRecoveryThresh  float64       // p, ratio in [0,1]
	PartialRecoveryWindow  int           // W, sliding window size
	PersistDir             string        // if non-empty, state is persisted here
	OnStateChange          func(name string, from, to State)
}

// DefaultConfig mirrors the teacher's DefaultConfig() defaults,
// extended with the spec's partial-recovery parameters.
func DefaultConfig(name string) Config {
	return Config{
		Name:                  name,
		FailureThreshold:      5,
		ResetTimeout:          30 * time.Second,
		BaseRetryDelay:        1 * time.Second,
		MaxRetryDelay:         60 * time.Second,
		RetryMultiplier:       2.0,
		PartialRecoveryThresh: 0.5,
		PartialRecoveryWindow: 5,
	}
}

type probeResult struct {
	success bool
}

// persistedState is the on-disk JSON shape spec §6 names:
// cb-<name>.json.
type persistedState struct {
	State                string    `json:"state"`
	Failures             int       `json:"failures"`
	NextAttempt          time.Time `json:"nextAttempt"`
	RecoveryAttempts     int       `json:"recoveryAttempts"`
	CurrentRetryDelay    int64     `json:"currentRetryDelay"`
	LastRecoveryAttempt  time.Time `json:"lastRecoveryAttempt"`
	RecoveryTestRequests []bool    `json:"recoveryTestRequests"`
	Timestamp            time.Time `json:"timestamp"`
}

// Breaker is a single service's circuit breaker.
type Breaker struct {
	cfg Config

	mu                sync.Mutex
	state             State
	consecutiveFails  int
	nextAttempt       time.Time
	currentDelay      time.Duration
	rateLimitBackoff  time.Time
	probes            []probeResult // sliding window, most recent last

	// NonCounting classifies an error as not counting toward F
	// (rate-limit, auth). Nil means every error counts.
	NonCounting func(err error) bool

	// Fallback is invoked when a call fails fast while OPEN, e.g. to
	// serve a cached value (LLM breaker specialization, spec §4.3).
	Fallback func(ctx context.Context) (any, error)
}

// New builds a breaker and loads persisted state if cfg.PersistDir is
// set and a fresh (<1h old) state file exists.
func New(cfg Config) *Breaker {
	if cfg.PartialRecoveryWindow == 0 {
		cfg.PartialRecoveryWindow = 5
	}
	b := &Breaker{cfg: cfg, state: StateClosed, currentDelay: cfg.BaseRetryDelay}
	if cfg.PersistDir != "" {
		b.load()
	}
	b.reportState(StateClosed, b.state)
	return b
}

func (b *Breaker) statePath() string {
	return filepath.Join(b.cfg.PersistDir, fmt.Sprintf("cb-%s.json", b.cfg.Name))
}

func (b *Breaker) load() {
	data, err := os.ReadFile(b.statePath())
	if err != nil {
		return
	}
	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return
	}
	if time.Since(ps.Timestamp) > time.Hour {
		return // stale, discard
	}
	switch ps.State {
	case StateOpen.String():
		b.state = StateOpen
	case StateHalfOpen.String():
		b.state = StateHalfOpen
	default:
		b.state = StateClosed
	}
	b.consecutiveFails = ps.Failures
	b.nextAttempt = ps.NextAttempt
	b.currentDelay = time.Duration(ps.CurrentRetryDelay)
	for _, ok := range ps.RecoveryTestRequests {
		b.probes = append(b.probes, probeResult{success: ok})
	}
}

// persist is best-effort: failures to write are swallowed, matching
// the spec's "state may be persisted (best effort)" language.
func (b *Breaker) persist() {
	if b.cfg.PersistDir == "" {
		return
	}
	probes := make([]bool, len(b.probes))
	for i, p := range b.probes {
		probes[i] = p.success
	}
	ps := persistedState{
		State:                b.state.String(),
		Failures:             b.consecutiveFails,
		NextAttempt:          b.nextAttempt,
		CurrentRetryDelay:    int64(b.currentDelay),
		RecoveryTestRequests: probes,
		Timestamp:            time.Now(),
	}
	data, err := json.Marshal(ps)
	if err != nil {
		return
	}
	_ = os.MkdirAll(b.cfg.PersistDir, 0o755)
	_ = os.WriteFile(b.statePath(), data, 0o644)
}

func (b *Breaker) reportState(from, to State) {
	metrics.BreakerState.WithLabelValues(b.cfg.Name).Set(float64(to))
	if to == StateOpen {
		metrics.BreakerOpenedTotal.WithLabelValues(b.cfg.Name).Inc()
	}
	if b.cfg.OnStateChange != nil && from != to {
		go b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

func (b *Breaker) setState(s State) {
	from := b.state
	b.state = s
	switch s {
	case StateOpen:
		b.nextAttempt = time.Now().Add(b.cfg.ResetTimeout)
		b.currentDelay = b.cfg.BaseRetryDelay
	case StateHalfOpen:
		b.probes = nil
	case StateClosed:
		b.consecutiveFails = 0
		b.probes = nil
	}
	b.reportState(from, s)
	b.persist()
}

// State reports the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// beforeRequest decides whether a call may proceed, returning
// ErrOpen if it must fail fast.
func (b *Breaker) beforeRequest() error {
	now := time.Now()
	if !b.rateLimitBackoff.IsZero() && now.Before(b.rateLimitBackoff) {
		return ErrOpen
	}
	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		return nil
	case StateOpen:
		if now.Before(b.nextAttempt) {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
		b.nextAttempt = now.Add(b.currentDelay)
		b.currentDelay = time.Duration(float64(b.currentDelay) * b.cfg.RetryMultiplier)
		if b.currentDelay > b.cfg.MaxRetryDelay {
			b.currentDelay = b.cfg.MaxRetryDelay
		}
		return nil
	}
	return nil
}

func (b *Breaker) afterRequest(err error) {
	if err == nil {
		b.onSuccess()
		return
	}
	if b.NonCounting != nil && b.NonCounting(err) {
		return // rate-limit/auth: does not count toward F
	}
	b.onFailure()
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.consecutiveFails = 0
	case StateHalfOpen:
		b.probes = append(b.probes, probeResult{success: true})
		b.evaluateHalfOpen()
	}
}

func (b *Breaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.probes = append(b.probes, probeResult{success: false})
		// Any failure in half-open reopens immediately (spec §4.3).
		b.setState(StateOpen)
	}
}

// evaluateHalfOpen closes the breaker once >=3 recorded probes have a
// success rate >= p within the trailing window W.
func (b *Breaker) evaluateHalfOpen() {
	if len(b.probes) > b.cfg.PartialRecoveryWindow {
		b.probes = b.probes[len(b.probes)-b.cfg.PartialRecoveryWindow:]
	}
	if len(b.probes) < 3 {
		return
	}
	successes := 0
	for _, p := range b.probes {
		if p.success {
			successes++
		}
	}
	rate := float64(successes) / float64(len(b.probes))
	if rate >= b.cfg.PartialRecoveryThresh {
		b.setState(StateClosed)
	}
}

// MarkRateLimited records a non-counting rate-limit backoff that
// blocks calls for the given duration independent of breaker state
// (LLM breaker specialization, spec §4.3).
func (b *Breaker) MarkRateLimited(backoff time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rateLimitBackoff = time.Now().Add(backoff)
}

// Execute runs fn under the breaker, exactly like the teacher's
// Execute(ctx, fn) API. On ErrOpen, Fallback is invoked if set.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	err := b.beforeRequest()
	b.mu.Unlock()
	if err != nil {
		if b.Fallback != nil {
			_, ferr := b.Fallback(ctx)
			if ferr == nil {
				return nil
			}
		}
		return err
	}

	callErr := fn(ctx)

	b.mu.Lock()
	b.afterRequest(callErr)
	b.mu.Unlock()

	return callErr
}

// Jitter applies +/-20% jitter to a base delay, matching the Managed
// Worker's requeue backoff formula (spec §4.5).
func Jitter(base time.Duration) time.Duration {
	delta := float64(base) * 0.2
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(base) + offset)
}
