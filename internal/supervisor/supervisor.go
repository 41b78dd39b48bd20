// Package supervisor implements the Pipeline Supervisor (C10): it
// orchestrates one run end-to-end — initializes stores/queues/workers,
// starts the outbox publisher, runs discovery, waits for quiescence or
// deadlock, and produces the final report.
//
// The phase structure (start → wait → report → cleanup) and the
// ticker-driven sampling loop are grounded on the teacher's
// services/automation goroutine-supervision style; quiescence and
// deadlock detection are this pipeline's own algorithms (spec §4.10),
// there being no direct teacher equivalent.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/codegraph-dev/orchestrator/internal/diraggregate"
	"github.com/codegraph-dev/orchestrator/internal/dirresolve"
	"github.com/codegraph-dev/orchestrator/internal/discovery"
	"github.com/codegraph-dev/orchestrator/internal/fileanalysis"
	"github.com/codegraph-dev/orchestrator/internal/graphclient"
	"github.com/codegraph-dev/orchestrator/internal/graphingest"
	"github.com/codegraph-dev/orchestrator/internal/governor"
	"github.com/codegraph-dev/orchestrator/internal/llmclient"
	"github.com/codegraph-dev/orchestrator/internal/logging"
	"github.com/codegraph-dev/orchestrator/internal/breaker"
	"github.com/codegraph-dev/orchestrator/internal/outbox"
	"github.com/codegraph-dev/orchestrator/internal/queue"
	"github.com/codegraph-dev/orchestrator/internal/reconcile"
	"github.com/codegraph-dev/orchestrator/internal/relresolve"
	"github.com/codegraph-dev/orchestrator/internal/semantic"
	"github.com/codegraph-dev/orchestrator/internal/store"
	"github.com/codegraph-dev/orchestrator/internal/validation"
	"github.com/codegraph-dev/orchestrator/internal/worker"

	"github.com/go-redis/redis/v8"
)

// sampleInterval is the deadlock/quiescence sampling cadence (spec
// §4.10: "samples queue counts every 5 s").
const sampleInterval = 5 * time.Second

// quiescenceSamples is K: consecutive zero-activity samples required
// before a run is declared quiescent.
const quiescenceSamples = 3

// deadlockSamples is the number of consecutive unchanged samples
// (with active>0) that flags a deadlock.
const deadlockSamples = 5

// maxWait is the absolute surrender timeout.
const maxWait = 10 * time.Minute

// memoryCheckInterval is the process-RSS sampling cadence for the
// memory budget (spec §5).
const memoryCheckInterval = 10 * time.Second

// defaultMemoryBudgetBytes is the soft ceiling used when RunConfig
// doesn't set one: 2GB.
const defaultMemoryBudgetBytes = 2 << 30

// memoryGCHintPct is the budget fraction at which the monitor logs a
// warning and hints the garbage collector.
const memoryGCHintPct = 80.0

// Deps bundles every external collaborator a run needs.
type Deps struct {
	Store  *store.Store
	Redis  *redis.Client
	LLM    *llmclient.Client
	Graph  graphclient.Client
	Log    *logging.Logger
	Config RunConfig
}

// RunConfig controls a single run.
type RunConfig struct {
	RunID               string
	TargetDir           string
	DataDirectory        string
	MaxWorkerConcurrency int
	MinWorkerConcurrency int
	ForceMaxConcurrency  int

	// MemoryBudgetBytes is the soft process-memory ceiling (spec §5).
	// Zero means defaultMemoryBudgetBytes.
	MemoryBudgetBytes int64
}

// Report is the CLI/HTTP-visible final summary (spec §7).
type Report struct {
	RunID               string        `json:"runId"`
	Duration            time.Duration `json:"duration"`
	FilesProcessed      int           `json:"filesProcessed"`
	RelationshipsValid  int           `json:"relationshipsValidated"`
	Deadlocked          bool          `json:"deadlocked"`
	MemoryExceeded      bool          `json:"memoryExceeded"`
	FailureRate         float64       `json:"failureRate"`
}

// Supervisor runs exactly one pipeline from start to quiescence.
type Supervisor struct {
	deps     Deps
	governor *governor.Governor
	queues   map[string]*queue.Queue
	workers  []*worker.Worker
	publisher *outbox.Publisher
	identity *semantic.Registry

	cancelWorkers context.CancelFunc
	memoryExceeded atomic.Bool
}

// New wires every component for one run but starts nothing yet.
func New(deps Deps) (*Supervisor, error) {
	if deps.Config.MemoryBudgetBytes <= 0 {
		deps.Config.MemoryBudgetBytes = defaultMemoryBudgetBytes
	}

	gov := governor.New(governor.Config{
		MaxTotal:             capOrDefault(deps.Config.ForceMaxConcurrency),
		MinWorkerConcurrency: orIntDefault(deps.Config.MinWorkerConcurrency, 2),
		AdaptiveInterval:     15 * time.Second,
		CPUScaleUpPct:        75,
		CPUScaleDownPct:      90,
		MemScaleUpPct:        80,
		MemScaleDownPct:      90,
		ScaleUpFactor:        1.3,
		ScaleDownFactor:      0.7,
		Types: []governor.TypeConfig{
			{WorkerType: "file-analysis", StaticCap: 40, Priority: 5},
			{WorkerType: "directory-resolution", StaticCap: 10, Priority: 4},
			{WorkerType: "directory-aggregation", StaticCap: 15, Priority: 4},
			{WorkerType: "relationship-resolution", StaticCap: 20, Priority: 3},
			{WorkerType: "validation", StaticCap: 10, Priority: 2},
			{WorkerType: "reconciliation", StaticCap: 15, Priority: 3},
			{WorkerType: "graph-ingestion", StaticCap: 10, Priority: 1},
		},
	})

	names := []string{"file-analysis", "directory-resolution", "directory-aggregation", "relationship-resolution", "validation", "reconciliation", "graph-ingestion"}
	queues := make(map[string]*queue.Queue, len(names))
	for _, name := range names {
		queues[name] = queue.New(deps.Redis, name, 24*time.Hour)
	}

	identity := semantic.NewRegistry()
	seed, err := deps.Store.AllSemanticIDs(context.Background(), deps.Config.RunID)
	if err != nil {
		return nil, fmt.Errorf("supervisor: seed identity registry: %w", err)
	}
	identity.Seed(seed)

	s := &Supervisor{deps: deps, governor: gov, queues: queues, identity: identity}

	s.publisher = outbox.New(outbox.Config{RunID: deps.Config.RunID}, deps.Store, outbox.Queues{
		DirectoryResolution:    queues["directory-resolution"],
		RelationshipResolution: queues["relationship-resolution"],
		Reconciliation:         queues["reconciliation"],
	}, deps.Log)

	s.workers = []*worker.Worker{
		worker.New(workerConfig(gov, queues, "file-analysis", 5, 3), &fileanalysis.Worker{
			Store: deps.Store, LLM: deps.LLM, Identity: identity,
		}, deps.Log),
		worker.New(workerConfig(gov, queues, "directory-resolution", 4, 3), &dirresolve.Worker{
			Store: deps.Store, DirectoryAggregation: queues["directory-aggregation"],
		}, deps.Log),
		worker.New(workerConfig(gov, queues, "directory-aggregation", 4, 3), &diraggregate.Worker{
			Store: deps.Store, LLM: deps.LLM,
		}, deps.Log),
		worker.New(workerConfig(gov, queues, "relationship-resolution", 3, 3), &relresolve.Worker{
			Store: deps.Store, LLM: deps.LLM,
		}, deps.Log),
		worker.New(workerConfig(gov, queues, "validation", 2, 3), &validation.Worker{
			Store: deps.Store, Identity: identity,
		}, deps.Log),
		worker.New(workerConfig(gov, queues, "reconciliation", 3, 3), &reconcile.Worker{
			Store: deps.Store, GraphIngestion: queues["graph-ingestion"],
		}, deps.Log),
		worker.New(workerConfig(gov, queues, "graph-ingestion", 1, 3), graphingest.New(deps.Store, deps.Graph), deps.Log),
	}

	return s, nil
}

func workerConfig(gov *governor.Governor, queues map[string]*queue.Queue, workerType string, priority, retries int) worker.Config {
	return worker.Config{
		WorkerType:      workerType,
		Priority:        priority,
		Queue:           queues[workerType],
		Governor:        gov,
		Breaker:         breaker.New(breaker.DefaultConfig(workerType)),
		JobTimeout:      30 * time.Second,
		RetryAttempts:   retries,
		RetryDelay:      time.Second,
		BaseConcurrency: 4,
	}
}

// Run executes the full supervised lifecycle: workers+publisher start,
// discovery runs, the wait loop blocks until quiescent/deadlocked/
// surrendered, then the report is produced and everything is torn
// down.
func (s *Supervisor) Run(ctx context.Context) (Report, error) {
	start := time.Now()

	workerCtx, cancel := context.WithCancel(ctx)
	s.cancelWorkers = cancel
	defer cancel()

	s.governor.Start(workerCtx)
	defer s.governor.Stop()

	for _, w := range s.workers {
		go w.Run(workerCtx)
	}
	go s.publisher.Run(workerCtx)
	go s.monitorMemory(workerCtx, cancel)

	agent := discovery.New(discovery.DefaultConfig(s.deps.Config.RunID, s.deps.Config.TargetDir), s.deps.Store, s.queues["file-analysis"])
	discoveryStats, err := agent.Run(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("supervisor: discovery: %w", err)
	}
	s.deps.Log.WithFields(map[string]any{"run_id": s.deps.Config.RunID, "enqueued": discoveryStats.Enqueued}).Info("discovery complete")

	deadlocked := s.waitForQuiescence(workerCtx)
	memoryExceeded := s.memoryExceeded.Load()

	stats, err := s.deps.Store.RunStats(ctx, s.deps.Config.RunID)
	if err != nil {
		return Report{}, fmt.Errorf("supervisor: load run stats: %w", err)
	}
	validated, err := s.deps.Store.CountValidatedRelationships(ctx, s.deps.Config.RunID)
	if err != nil {
		return Report{}, fmt.Errorf("supervisor: count validated relationships: %w", err)
	}

	return Report{
		RunID:              s.deps.Config.RunID,
		Duration:           time.Since(start),
		FilesProcessed:     discoveryStats.Enqueued,
		RelationshipsValid: validated,
		Deadlocked:         deadlocked,
		MemoryExceeded:     memoryExceeded,
		FailureRate:        stats.FailureRate(),
	}, nil
}

// monitorMemory samples this process's RSS every memoryCheckInterval
// against the run's memory budget (spec §5). At memoryGCHintPct it
// logs and hints runtime.GC(); at 100% it logs, flags the run, and
// cancels the run context to force a supervisor-initiated shutdown
// (the only legitimate producer of exit code 2).
func (s *Supervisor) monitorMemory(ctx context.Context, shutdown context.CancelFunc) {
	budget := s.deps.Config.MemoryBudgetBytes
	if budget <= 0 {
		budget = defaultMemoryBudgetBytes
	}

	ticker := time.NewTicker(memoryCheckInterval)
	defer ticker.Stop()

	gcHinted := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rss, err := processRSS()
		if err != nil {
			s.deps.Log.WithFields(map[string]any{"error": err}).Warn("supervisor: memory sample failed")
			continue
		}
		pct := memoryPercent(rss, budget)

		if pct >= 100 {
			s.memoryExceeded.Store(true)
			s.deps.Log.WithFields(map[string]any{
				"run_id": s.deps.Config.RunID, "rss_bytes": rss, "budget_bytes": budget, "pct": pct,
			}).Error("supervisor: memory budget exceeded, forcing shutdown")
			shutdown()
			return
		}

		if pct >= memoryGCHintPct {
			if !gcHinted {
				s.deps.Log.WithFields(map[string]any{
					"run_id": s.deps.Config.RunID, "rss_bytes": rss, "budget_bytes": budget, "pct": pct,
				}).Warn("supervisor: memory usage above 80% of budget, hinting GC")
				gcHinted = true
			}
			runtime.GC()
		} else {
			gcHinted = false
		}
	}
}

// memoryPercent is the RSS-to-budget ratio as a percentage, split out
// from monitorMemory so the 80/100 thresholds can be unit tested
// without a real ticker.
func memoryPercent(rss uint64, budgetBytes int64) float64 {
	if budgetBytes <= 0 {
		budgetBytes = defaultMemoryBudgetBytes
	}
	return float64(rss) / float64(budgetBytes) * 100
}

func processRSS() (uint64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

type sample struct {
	active, waiting, delayed, completed, failed int64
}

// waitForQuiescence blocks until K consecutive zero-activity samples,
// a deadlock is detected, or maxWait elapses. Returns true if the run
// was marked deadlocked.
func (s *Supervisor) waitForQuiescence(ctx context.Context) bool {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	deadline := time.Now().Add(maxWait)
	quietStreak := 0
	var lastSample *sample
	unchangedStreak := 0

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		agg, err := s.aggregateCounts(ctx)
		if err != nil {
			s.deps.Log.WithFields(map[string]any{"error": err}).Warn("supervisor: sample counts failed")
			continue
		}

		pending, err := s.deps.Store.CountPendingOutbox(ctx, s.deps.Config.RunID)
		if err != nil {
			s.deps.Log.WithFields(map[string]any{"error": err}).Warn("supervisor: count pending outbox failed")
			continue
		}

		if agg.active+agg.waiting+agg.delayed == 0 && pending == 0 {
			quietStreak++
			if quietStreak >= quiescenceSamples {
				return false
			}
		} else {
			quietStreak = 0
		}

		if lastSample != nil && *lastSample == agg && agg.active > 0 {
			unchangedStreak++
			if unchangedStreak >= deadlockSamples {
				s.recordDeadlock(ctx)
				return true
			}
		} else {
			unchangedStreak = 0
		}
		lastSample = &agg

		if time.Now().After(deadline) {
			stats, err := s.deps.Store.RunStats(ctx, s.deps.Config.RunID)
			if err == nil && stats.FailureRate() < 0.5 {
				return false // surrender: proceed with whatever completed
			}
			s.recordDeadlock(ctx)
			return true
		}
	}
}

// deadlockSnapshotEntry is one queue's diagnostic contribution to a
// deadlock snapshot (spec §4.10: "per-queue active job ids and ages").
type deadlockSnapshotEntry struct {
	Queue     string  `json:"queue"`
	JobID     string  `json:"jobId"`
	Kind      string  `json:"kind"`
	AgeSeconds float64 `json:"ageSeconds"`
}

// recordDeadlock captures the active-job-id/age snapshot across every
// queue, logs it, and persists it alongside the deadlocked flag.
func (s *Supervisor) recordDeadlock(ctx context.Context) {
	var snapshot []deadlockSnapshotEntry
	for name, q := range s.queues {
		jobs, err := q.ActiveJobs(ctx)
		if err != nil {
			s.deps.Log.WithFields(map[string]any{"queue": name, "error": err}).Warn("supervisor: active job snapshot failed")
			continue
		}
		for _, j := range jobs {
			snapshot = append(snapshot, deadlockSnapshotEntry{
				Queue: name, JobID: j.ID, Kind: j.Kind, AgeSeconds: j.Age.Seconds(),
			})
		}
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		s.deps.Log.WithFields(map[string]any{"error": err}).Warn("supervisor: marshal deadlock snapshot failed")
		data = []byte("[]")
	}

	s.deps.Log.WithFields(map[string]any{"run_id": s.deps.Config.RunID, "snapshot": string(data)}).Error("supervisor: deadlock detected")
	if err := s.deps.Store.MarkDeadlocked(ctx, s.deps.Config.RunID, string(data)); err != nil {
		s.deps.Log.WithFields(map[string]any{"error": err}).Warn("supervisor: persist deadlock snapshot failed")
	}
}

func (s *Supervisor) aggregateCounts(ctx context.Context) (sample, error) {
	var agg sample
	for _, q := range s.queues {
		c, err := q.Counts(ctx)
		if err != nil {
			return sample{}, err
		}
		agg.active += c.Active
		agg.waiting += c.Waiting
		agg.delayed += c.Delayed
		agg.completed += c.Completed
		agg.failed += c.Failed
	}
	return agg, nil
}

// Stop requests cooperative shutdown of every worker loop.
func (s *Supervisor) Stop() {
	if s.cancelWorkers != nil {
		s.cancelWorkers()
	}
}

func capOrDefault(v int) int {
	if v <= 0 || v > 100 {
		return 100
	}
	return v
}

func orIntDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
