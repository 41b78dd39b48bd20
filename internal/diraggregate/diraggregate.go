// Package diraggregate implements the directory-aggregation worker
// handler: asks the LLM to summarize a directory's points of interest
// into a short description, then writes the directory_summary row and
// its dir-resolved outbox event in one transaction.
package diraggregate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codegraph-dev/orchestrator/internal/domain"
	"github.com/codegraph-dev/orchestrator/internal/llmclient"
	"github.com/codegraph-dev/orchestrator/internal/orcherr"
	"github.com/codegraph-dev/orchestrator/internal/queue"
	"github.com/codegraph-dev/orchestrator/internal/store"
)

const systemPrompt = `You summarize a source directory given its points of interest.
Respond with a single concise sentence describing the directory's purpose.`

// Worker is the directory-aggregation queue's job handler.
type Worker struct {
	Store *store.Store
	LLM   llmclient.Extractor
}

type jobPayload struct {
	RunID     string `json:"runId"`
	Directory string `json:"directory"`
}

// Handle implements worker.Handler.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return orcherr.New(orcherr.KindValidation, "diraggregate: bad payload", err)
	}

	pois, err := w.Store.POIsInDirectory(ctx, p.RunID, p.Directory)
	if err != nil {
		return orcherr.New(orcherr.KindInfrastructure, "diraggregate: load pois", err)
	}

	description, err := w.summarize(ctx, p.Directory, pois)
	if err != nil {
		if llmclient.IsRateLimit(err) {
			return orcherr.New(orcherr.KindRateLimit, "diraggregate: llm rate limited", err)
		}
		return orcherr.New(orcherr.KindInfrastructure, "diraggregate: llm summarize", err)
	}

	files := make(map[string]struct{})
	for _, poi := range pois {
		files[poi.File] = struct{}{}
	}

	payload, err := json.Marshal(map[string]any{"directory": p.Directory})
	if err != nil {
		return orcherr.New(orcherr.KindSystem, "diraggregate: marshal outbox payload", err)
	}

	err = w.Store.InTransaction(ctx, func(tx *sql.Tx) error {
		if err := store.UpsertDirectorySummary(tx, domain.DirectorySummary{
			RunID: p.RunID, Path: p.Directory, Description: description, FileCount: len(files),
		}); err != nil {
			return err
		}
		return store.InsertOutbox(tx, p.RunID, domain.EventDirResolved, payload)
	})
	if err != nil {
		return orcherr.New(orcherr.KindInfrastructure, "diraggregate: commit", err)
	}
	return nil
}

func (w *Worker) summarize(ctx context.Context, directory string, pois []domain.POI) (string, error) {
	if len(pois) == 0 {
		return fmt.Sprintf("%s: no points of interest discovered", directory), nil
	}
	var names []string
	for _, p := range pois {
		names = append(names, fmt.Sprintf("%s(%s)", p.Name, p.Kind))
	}
	return w.LLM.Extract(ctx, llmclient.ExtractionRequest{
		SystemPrompt: systemPrompt,
		SourceText:   fmt.Sprintf("Directory: %s\nPoints of interest: %s", directory, strings.Join(names, ", ")),
		MaxTokens:    256,
	})
}
