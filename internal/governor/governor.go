// Package governor implements the Global Concurrency Governor (C4): a
// single process-wide counting permit pool with a hard cap N,
// per-worker-type sub-caps, and adaptive CPU/memory-based scaling.
//
// The acquire/release mechanics are generalized from the teacher's
// services/automation/marble/concurrency.go buffered-channel
// semaphore pattern into a typed, per-worker-type pool; CPU/memory
// sampling uses gopsutil, not present in the teacher but the natural
// choice for this concern in the retrieval pack.
package governor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/codegraph-dev/orchestrator/internal/metrics"
)

// ErrTimeout is returned by Acquire when the wait exceeds the
// requested timeout.
var ErrTimeout = errors.New("TIMEOUT")

// ErrRejected is returned by Acquire for a worker type that has no
// TypeConfig. Protective mode (SetProtective) halves per-type caps and
// never rejects a configured worker type.
var ErrRejected = errors.New("REJECTED")

// TypeConfig is the static configuration for one worker type.
type TypeConfig struct {
	WorkerType string
	StaticCap  int
	Priority   int // higher values are served first across types
}

// Config parametrizes the governor (spec §4.4).
type Config struct {
	MaxTotal             int // N
	MinWorkerConcurrency int
	AdaptiveInterval     time.Duration
	CPUScaleUpPct        float64 // e.g. 75
	CPUScaleDownPct      float64 // e.g. 90 (above this, scale down)
	MemScaleUpPct        float64 // e.g. 80
	MemScaleDownPct      float64 // e.g. 90
	ScaleUpFactor        float64 // 1.3
	ScaleDownFactor      float64 // 0.7
	Types                []TypeConfig
}

// DefaultConfig mirrors spec §4.4's defaults.
func DefaultConfig() Config {
	return Config{
		MaxTotal:             100,
		MinWorkerConcurrency: 2,
		AdaptiveInterval:     15 * time.Second,
		CPUScaleUpPct:        75,
		CPUScaleDownPct:      90,
		MemScaleUpPct:        80,
		MemScaleDownPct:      90,
		ScaleUpFactor:        1.3,
		ScaleDownFactor:      0.7,
	}
}

// Permit is the opaque token returned by Acquire; Release is
// idempotent on a given Permit.
type Permit struct {
	workerType string
	released   bool
}

type waiter struct {
	priority int
	ready    chan struct{}
}

type typeState struct {
	cfg         TypeConfig
	effectiveCap int
	inUse       int
	waiters     []*waiter
}

// Governor is the single process-wide permit pool.
type Governor struct {
	cfg Config

	mu          sync.Mutex
	totalInUse  int
	types       map[string]*typeState
	protective  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Governor; call Start to begin adaptive sampling.
func New(cfg Config) *Governor {
	g := &Governor{cfg: cfg, types: make(map[string]*typeState), stop: make(chan struct{})}
	for _, t := range cfg.Types {
		cap := t.StaticCap
		if cap > cfg.MaxTotal {
			cap = cfg.MaxTotal
		}
		g.types[t.WorkerType] = &typeState{cfg: t, effectiveCap: cap}
		metrics.GovernorEffectiveCap.WithLabelValues(t.WorkerType).Set(float64(cap))
	}
	return g
}

// Start launches the adaptive sizing loop; Stop terminates it.
func (g *Governor) Start(ctx context.Context) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cfg.AdaptiveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stop:
				return
			case <-ticker.C:
				g.sampleAndScale(ctx)
			}
		}
	}()
}

func (g *Governor) Stop() {
	close(g.stop)
	g.wg.Wait()
}

func (g *Governor) sampleAndScale(ctx context.Context) {
	cpuPct := sampleCPU(ctx)
	memPct := sampleMem()

	g.mu.Lock()
	defer g.mu.Unlock()

	openBreakers := 0 // protective mode is driven externally via SetProtective
	_ = openBreakers

	for _, ts := range g.types {
		cap := ts.effectiveCap
		switch {
		case cpuPct > g.cfg.CPUScaleDownPct || memPct > g.cfg.MemScaleDownPct:
			cap = int(float64(cap) * g.cfg.ScaleDownFactor)
		case cpuPct < g.cfg.CPUScaleUpPct && memPct < g.cfg.MemScaleUpPct:
			cap = int(float64(cap) * g.cfg.ScaleUpFactor)
		}
		if cap < g.cfg.MinWorkerConcurrency {
			cap = g.cfg.MinWorkerConcurrency
		}
		if cap > ts.cfg.StaticCap {
			cap = ts.cfg.StaticCap
		}
		ts.effectiveCap = cap
		metrics.GovernorEffectiveCap.WithLabelValues(ts.cfg.WorkerType).Set(float64(cap))
	}
	g.rebalanceAggregate()
	g.wakeWaiters()
}

// rebalanceAggregate ensures the sum of effective caps never exceeds
// MaxTotal, shrinking the lowest-priority types first.
func (g *Governor) rebalanceAggregate() {
	total := 0
	order := make([]*typeState, 0, len(g.types))
	for _, ts := range g.types {
		total += ts.effectiveCap
		order = append(order, ts)
	}
	if total <= g.cfg.MaxTotal {
		return
	}
	sort.Slice(order, func(i, j int) bool { return order[i].cfg.Priority < order[j].cfg.Priority })
	for _, ts := range order {
		if total <= g.cfg.MaxTotal {
			break
		}
		reducible := ts.effectiveCap - g.cfg.MinWorkerConcurrency
		if reducible <= 0 {
			continue
		}
		cut := total - g.cfg.MaxTotal
		if cut > reducible {
			cut = reducible
		}
		ts.effectiveCap -= cut
		total -= cut
	}
}

// SetProtective halves every type's effective cap when multiple
// breakers are open (glossary: "Protective mode").
func (g *Governor) SetProtective(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.protective == on {
		return
	}
	g.protective = on
	for _, ts := range g.types {
		if on {
			ts.effectiveCap /= 2
			if ts.effectiveCap < 1 {
				ts.effectiveCap = 1
			}
		} else {
			ts.effectiveCap = ts.cfg.StaticCap
		}
		metrics.GovernorEffectiveCap.WithLabelValues(ts.cfg.WorkerType).Set(float64(ts.effectiveCap))
	}
}

// Acquire blocks (respecting ctx and timeout) until a permit is
// available for workerType, or returns ErrTimeout/ErrRejected.
func (g *Governor) Acquire(ctx context.Context, workerType string, priority int, timeout time.Duration) (*Permit, error) {
	g.mu.Lock()
	ts, ok := g.types[workerType]
	if !ok {
		g.mu.Unlock()
		return nil, ErrRejected
	}
	if g.tryAcquireLocked(ts) {
		g.mu.Unlock()
		metrics.GovernorPermitsInUse.WithLabelValues(workerType).Inc()
		return &Permit{workerType: workerType}, nil
	}
	w := &waiter{priority: priority, ready: make(chan struct{})}
	ts.waiters = append(ts.waiters, w)
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		metrics.GovernorPermitsInUse.WithLabelValues(workerType).Inc()
		return &Permit{workerType: workerType}, nil
	case <-timer.C:
		g.removeWaiter(ts, w)
		return nil, ErrTimeout
	case <-ctx.Done():
		g.removeWaiter(ts, w)
		return nil, ctx.Err()
	}
}

func (g *Governor) tryAcquireLocked(ts *typeState) bool {
	if g.totalInUse >= g.cfg.MaxTotal {
		return false
	}
	if ts.inUse >= ts.effectiveCap {
		return false
	}
	ts.inUse++
	g.totalInUse++
	return true
}

func (g *Governor) removeWaiter(ts *typeState, w *waiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, cand := range ts.waiters {
		if cand == w {
			ts.waiters = append(ts.waiters[:i], ts.waiters[i+1:]...)
			return
		}
	}
}

// wakeWaiters hands out newly-freed or newly-scaled-up capacity,
// FIFO per type, highest-priority type first across types.
func (g *Governor) wakeWaiters() {
	types := make([]*typeState, 0, len(g.types))
	for _, ts := range g.types {
		types = append(types, ts)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].cfg.Priority > types[j].cfg.Priority })

	for _, ts := range types {
		for len(ts.waiters) > 0 && g.tryAcquireLocked(ts) {
			w := ts.waiters[0]
			ts.waiters = ts.waiters[1:]
			close(w.ready)
		}
	}
}

// Release returns a permit to the pool; idempotent.
func (g *Governor) Release(p *Permit) {
	if p == nil || p.released {
		return
	}
	p.released = true

	g.mu.Lock()
	ts, ok := g.types[p.workerType]
	if ok {
		ts.inUse--
		g.totalInUse--
	}
	g.wakeWaiters()
	g.mu.Unlock()

	metrics.GovernorPermitsInUse.WithLabelValues(p.workerType).Dec()
}

// InUse reports the current aggregate outstanding-permit count, used
// to assert the global-cap invariant (spec §8.1) in tests.
func (g *Governor) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalInUse
}

func sampleCPU(ctx context.Context) float64 {
	pct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil || len(pct) == 0 {
		return 0
	}
	return pct[0]
}

func sampleMem() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.UsedPercent
}
