// Package relresolve implements the relationship-resolution worker
// handler: asks the LLM to propose relationship edges among the POIs
// of a directory, then emits one rel-evidence outbox event per
// candidate edge whose from/to names both match a POI of that
// directory (other edges are skipped) for the Outbox Publisher (C6) to
// turn into evidence and relationship rows.
package relresolve

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/codegraph-dev/orchestrator/internal/domain"
	"github.com/codegraph-dev/orchestrator/internal/llmclient"
	"github.com/codegraph-dev/orchestrator/internal/orcherr"
	"github.com/codegraph-dev/orchestrator/internal/queue"
	"github.com/codegraph-dev/orchestrator/internal/store"
)

const systemPrompt = `You identify relationships between points of interest in a directory.
Respond with a JSON array of objects: {"from","to","kind","score"}.
Valid kind values: CALLS, USES, IMPORTS, INHERITS, COMPOSES, USES_CONFIG.
from/to are the exact names given. score is your confidence in [0,1].`

// Worker is the relationship-resolution queue's job handler.
type Worker struct {
	Store *store.Store
	LLM   llmclient.Extractor
}

type jobPayload struct {
	RunID     string `json:"runId"`
	Directory string `json:"directory"`
}

type candidateEdge struct {
	From  string  `json:"from"`
	To    string  `json:"to"`
	Kind  string  `json:"kind"`
	Score float64 `json:"score"`
}

// Handle implements worker.Handler.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return orcherr.New(orcherr.KindValidation, "relresolve: bad payload", err)
	}

	pois, err := w.Store.POIsInDirectory(ctx, p.RunID, p.Directory)
	if err != nil {
		return orcherr.New(orcherr.KindInfrastructure, "relresolve: load pois", err)
	}
	if len(pois) < 2 {
		return nil // nothing to relate
	}

	byName := make(map[string]domain.POI, len(pois))
	var sourceText strings.Builder
	for _, poi := range pois {
		byName[poi.Name] = poi
		fmt.Fprintf(&sourceText, "%s (%s) in %s: %s\n", poi.Name, poi.Kind, poi.File, poi.Description)
	}

	raw, err := w.LLM.Extract(ctx, llmclient.ExtractionRequest{
		SystemPrompt: systemPrompt,
		SourceText:   sourceText.String(),
		MaxTokens:    1024,
	})
	if err != nil {
		if llmclient.IsRateLimit(err) {
			return orcherr.New(orcherr.KindRateLimit, "relresolve: llm rate limited", err)
		}
		return orcherr.New(orcherr.KindInfrastructure, "relresolve: llm extract", err)
	}

	var edges []candidateEdge
	if err := json.Unmarshal([]byte(raw), &edges); err != nil {
		return orcherr.New(orcherr.KindProcessing, "relresolve: parse llm response", err)
	}

	for _, e := range edges {
		from, ok := byName[e.From]
		if !ok {
			continue
		}
		to, ok := byName[e.To]
		if !ok {
			continue
		}
		if err := w.emit(ctx, p.RunID, from, to, e); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) emit(ctx context.Context, runID string, from, to domain.POI, e candidateEdge) error {
	fp := fingerprint(from.SemanticID, to.SemanticID, e.Kind)

	payload, err := json.Marshal(map[string]any{
		"from":        from.SemanticID,
		"to":          to.SemanticID,
		"fromFile":    from.File,
		"toFile":      to.File,
		"kind":        e.Kind,
		"score":       e.Score,
		"fingerprint": fp,
	})
	if err != nil {
		return orcherr.New(orcherr.KindSystem, "relresolve: marshal outbox payload", err)
	}

	err = w.Store.InTransaction(ctx, func(tx *sql.Tx) error {
		return store.InsertOutbox(tx, runID, domain.EventRelEvidence, payload)
	})
	if err != nil {
		return orcherr.New(orcherr.KindInfrastructure, "relresolve: commit", err)
	}
	return nil
}

// fingerprint derives a stable relationship identity from its
// endpoints and kind, so repeated observations (from different
// directories, or re-runs) converge on the same evidence bucket.
func fingerprint(from, to, kind string) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s|%s|%s", from, to, kind)
	return hex.EncodeToString(h.Sum(nil))
}
