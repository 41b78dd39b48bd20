// Package outbox implements the Transactional Outbox Publisher (C6):
// a single polling loop that claims PENDING rows, resolves POI
// name/semantic-id references, and enqueues the downstream jobs that
// carry the pipeline from file-analysis through to reconciliation.
//
// Architecture (single poller, status-based claim, no row locking)
// is grounded on the flowcatalyst outbox processor
// (other_examples/...outbox-processor.go); gjson is used to pull the
// handful of fields each payload shape needs without a full
// unmarshal, matching ad hoc JSON-field-extraction call sites seen
// across the retrieval pack's HTTP handlers.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/codegraph-dev/orchestrator/internal/domain"
	"github.com/codegraph-dev/orchestrator/internal/logging"
	"github.com/codegraph-dev/orchestrator/internal/queue"
	"github.com/codegraph-dev/orchestrator/internal/store"
)

// Config parametrizes the publisher.
type Config struct {
	RunID        string
	PollInterval time.Duration
	BatchLimit   int
}

// Queues groups the downstream queues the publisher enqueues onto.
type Queues struct {
	DirectoryResolution    *queue.Queue
	RelationshipResolution *queue.Queue
	Reconciliation         *queue.Queue
}

// Publisher is the single outbox polling loop for one run.
type Publisher struct {
	cfg    Config
	store  *store.Store
	queues Queues
	log    *logging.Logger
}

func New(cfg Config, st *store.Store, queues Queues, log *logging.Logger) *Publisher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchLimit == 0 {
		cfg.BatchLimit = 50
	}
	return &Publisher{cfg: cfg, store: st, queues: queues, log: log}
}

// Run polls until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				p.log.WithFields(map[string]any{"error": err}).Warn("outbox poll failed")
			}
		}
	}
}

func (p *Publisher) pollOnce(ctx context.Context) error {
	batch, err := p.store.ClaimOutboxBatch(ctx, p.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("outbox: claim batch: %w", err)
	}
	for _, event := range batch {
		if err := p.handle(ctx, event); err != nil {
			p.log.WithFields(map[string]any{"outbox_id": event.ID, "kind": event.Kind, "error": err}).Warn("outbox row failed")
			_ = p.store.MarkOutbox(ctx, event.ID, domain.OutboxFailed, err.Error())
			continue
		}
		_ = p.store.MarkOutbox(ctx, event.ID, domain.OutboxProcessed, "")
	}
	return nil
}

func (p *Publisher) handle(ctx context.Context, event domain.OutboxEvent) error {
	payload := string(event.Payload)
	switch event.Kind {
	case domain.EventPOIBatch:
		directory := gjson.Get(payload, "directory").String()
		if directory == "" {
			return fmt.Errorf("outbox: poi-batch missing directory")
		}
		// Each completed file nudges its directory's readiness; the
		// directory-resolution worker decides whether every sibling
		// file has finished before promoting to directory-aggregation.
		_, err := p.queues.DirectoryResolution.Enqueue(ctx, "directory-resolution", map[string]any{"runId": event.RunID, "directory": directory}, queue.EnqueueOpts{Priority: 5})
		return err

	case domain.EventDirResolved:
		directory := gjson.Get(payload, "directory").String()
		if directory == "" {
			return fmt.Errorf("outbox: dir-resolved missing directory")
		}
		_, err := p.queues.RelationshipResolution.Enqueue(ctx, "relationship-resolution", map[string]any{"runId": event.RunID, "directory": directory}, queue.EnqueueOpts{Priority: 5})
		return err

	case domain.EventRelEvidence:
		return p.handleRelEvidence(ctx, event.RunID, payload)

	default:
		return fmt.Errorf("outbox: unknown event kind %q", event.Kind)
	}
}

func (p *Publisher) handleRelEvidence(ctx context.Context, runID, payload string) error {
	from := gjson.Get(payload, "from").String()
	to := gjson.Get(payload, "to").String()
	kind := gjson.Get(payload, "kind").String()
	fingerprint := gjson.Get(payload, "fingerprint").String()
	score := scoreWithDefault(payload)
	fromFile := gjson.Get(payload, "fromFile").String()
	toFile := gjson.Get(payload, "toFile").String()

	if from == "" || to == "" || fingerprint == "" {
		return fmt.Errorf("outbox: rel-evidence missing from/to/fingerprint")
	}

	fromPOI, err := p.resolvePOI(ctx, runID, from, fromFile)
	if err != nil {
		return fmt.Errorf("outbox: unresolved from=%q: %w", from, err)
	}
	toPOI, err := p.resolvePOI(ctx, runID, to, toFile)
	if err != nil {
		return fmt.Errorf("outbox: unresolved to=%q: %w", to, err)
	}

	err = p.store.InTransaction(ctx, func(tx *sql.Tx) error {
		if err := store.EnsureRelationship(tx, domain.Relationship{
			RunID: runID, Fingerprint: fingerprint,
			FromSemanticID: fromPOI.SemanticID, ToSemanticID: toPOI.SemanticID,
			Kind: domain.RelationshipKind(kind), ResolutionLevel: domain.ResolutionFile,
		}); err != nil {
			return err
		}
		return store.BatchInsertEvidence(tx, []domain.Evidence{{
			RunID: runID, Fingerprint: fingerprint, Score: score,
			Payload: []byte(payload), ObservedAt: time.Now(),
		}})
	})
	if err != nil {
		return err
	}
	_, err = p.queues.Reconciliation.Enqueue(ctx, "reconciliation", map[string]any{"runId": runID, "fingerprint": fingerprint}, queue.EnqueueOpts{Priority: 3})
	return err
}

// scoreWithDefault extracts the evidence score, substituting the
// spec's fixed defaults when the field is absent: synthetic evidence
// (no direct LLM observation, fabricated for coverage) defaults to
// 0.6; any other missing score defaults to 0.7 (spec §4.8 step 1).
func scoreWithDefault(payload string) float64 {
	if s := gjson.Get(payload, "score"); s.Exists() {
		return s.Float()
	}
	if gjson.Get(payload, "synthetic").Bool() {
		return 0.6
	}
	return 0.7
}

func (p *Publisher) resolvePOI(ctx context.Context, runID, ref, fallbackFile string) (domain.POI, error) {
	if poi, err := p.store.FindPOIBySemanticID(ctx, runID, ref); err == nil {
		return poi, nil
	}
	if fallbackFile != "" {
		if poi, err := p.store.FindPOIByName(ctx, runID, fallbackFile, ref); err == nil {
			return poi, nil
		}
	}
	return domain.POI{}, sql.ErrNoRows
}
