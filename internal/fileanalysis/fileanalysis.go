// Package fileanalysis implements the file-analysis worker handler:
// asks the LLM to extract points of interest from a single file, then
// writes the POIs and their poi-batch outbox event in one transaction
// (spec §4.2's outbox-atomicity invariant).
//
// Grounded on the teacher's services/indexer worker handlers for the
// "read file, call external analyzer, persist rows + event" shape;
// the prompt/response contract is this pipeline's own, there being no
// teacher equivalent of LLM-driven code analysis.
package fileanalysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codegraph-dev/orchestrator/internal/domain"
	"github.com/codegraph-dev/orchestrator/internal/llmclient"
	"github.com/codegraph-dev/orchestrator/internal/orcherr"
	"github.com/codegraph-dev/orchestrator/internal/queue"
	"github.com/codegraph-dev/orchestrator/internal/semantic"
	"github.com/codegraph-dev/orchestrator/internal/store"
)

const systemPrompt = `You analyze a single source file and list its points of interest.
Respond with a JSON array of objects: {"name","kind","startLine","endLine","description","exported"}.
Valid kind values: function, class, method, property, variable, constant, import, export, interface, enum, type.`

// Worker is the file-analysis queue's job handler.
type Worker struct {
	Store    *store.Store
	LLM      llmclient.Extractor
	Identity *semantic.Registry
}

type jobPayload struct {
	RunID string `json:"runId"`
	Path  string `json:"path"`
	Hash  string `json:"hash"`
}

type extractedPOI struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	StartLine   int    `json:"startLine"`
	EndLine     int    `json:"endLine"`
	Description string `json:"description"`
	Exported    bool   `json:"exported"`
}

// Handle implements worker.Handler.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return orcherr.New(orcherr.KindValidation, "fileanalysis: bad payload", err)
	}

	source, err := os.ReadFile(p.Path)
	if err != nil {
		return orcherr.New(orcherr.KindProcessing, fmt.Sprintf("fileanalysis: read %s", p.Path), err)
	}

	raw, err := w.LLM.Extract(ctx, llmclient.ExtractionRequest{
		SystemPrompt: systemPrompt,
		SourceText:   string(source),
		MaxTokens:    2048,
	})
	if err != nil {
		if llmclient.IsRateLimit(err) {
			return orcherr.New(orcherr.KindRateLimit, "fileanalysis: llm rate limited", err)
		}
		return orcherr.New(orcherr.KindInfrastructure, "fileanalysis: llm extract", err)
	}

	var extracted []extractedPOI
	if err := json.Unmarshal([]byte(raw), &extracted); err != nil {
		return orcherr.New(orcherr.KindProcessing, "fileanalysis: parse llm response", err)
	}

	directory := filepath.Dir(p.Path)
	pois := make([]domain.POI, 0, len(extracted))
	for _, e := range extracted {
		kind := domain.POIKind(e.Kind)
		pois = append(pois, domain.POI{
			RunID:       p.RunID,
			File:        p.Path,
			Name:        e.Name,
			Kind:        kind,
			StartLine:   e.StartLine,
			EndLine:     e.EndLine,
			Description: e.Description,
			Exported:    e.Exported,
			SemanticID:  w.Identity.Generate(p.Path, e.Name, kind),
		})
	}

	payload, err := json.Marshal(map[string]any{
		"directory": directory,
		"file":      p.Path,
		"count":     len(pois),
	})
	if err != nil {
		return orcherr.New(orcherr.KindSystem, "fileanalysis: marshal outbox payload", err)
	}

	err = w.Store.InTransaction(ctx, func(tx *sql.Tx) error {
		if len(pois) > 0 {
			if err := store.BatchInsertPOIs(tx, pois); err != nil {
				return err
			}
		}
		return store.InsertOutbox(tx, p.RunID, domain.EventPOIBatch, payload)
	})
	if err != nil {
		return orcherr.New(orcherr.KindInfrastructure, "fileanalysis: commit", err)
	}

	return w.Store.UpdateFileStatus(ctx, p.RunID, p.Path, domain.FileStatusProcessed)
}
