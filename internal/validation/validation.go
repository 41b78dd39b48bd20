// Package validation implements the validation worker handler: a
// lightweight structural check over a POI (non-empty name, known
// kind, start<=end) plus semantic-id backfill for rows a prior,
// partially-failed file-analysis pass left without one.
package validation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codegraph-dev/orchestrator/internal/domain"
	"github.com/codegraph-dev/orchestrator/internal/orcherr"
	"github.com/codegraph-dev/orchestrator/internal/queue"
	"github.com/codegraph-dev/orchestrator/internal/semantic"
	"github.com/codegraph-dev/orchestrator/internal/store"
)

var validKinds = map[domain.POIKind]struct{}{
	domain.POIFunction: {}, domain.POIClass: {}, domain.POIMethod: {}, domain.POIProperty: {},
	domain.POIVariable: {}, domain.POIConstant: {}, domain.POIImport: {}, domain.POIExport: {},
	domain.POIInterface: {}, domain.POIEnum: {}, domain.POIType: {},
}

// Worker is the validation queue's job handler.
type Worker struct {
	Store    *store.Store
	Identity *semantic.Registry
}

type jobPayload struct {
	RunID      string `json:"runId"`
	File       string `json:"file"`
	Name       string `json:"name"`
	SemanticID string `json:"semanticId"`
}

// Handle implements worker.Handler.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return orcherr.New(orcherr.KindValidation, "validation: bad payload", err)
	}

	var (
		poi domain.POI
		err error
	)
	if p.SemanticID != "" {
		poi, err = w.Store.FindPOIBySemanticID(ctx, p.RunID, p.SemanticID)
	} else {
		poi, err = w.Store.FindPOIByName(ctx, p.RunID, p.File, p.Name)
	}
	if err != nil {
		return orcherr.New(orcherr.KindProcessing, fmt.Sprintf("validation: lookup %s/%s", p.File, p.Name), err)
	}

	if poi.Name == "" || poi.StartLine > poi.EndLine {
		return orcherr.New(orcherr.KindValidation, fmt.Sprintf("validation: malformed poi %s", poi.SemanticID), nil)
	}
	if _, ok := validKinds[poi.Kind]; !ok {
		return orcherr.New(orcherr.KindValidation, fmt.Sprintf("validation: unknown kind %q", poi.Kind), nil)
	}

	if poi.SemanticID == "" {
		newID := w.Identity.Generate(poi.File, poi.Name, poi.Kind)
		return w.Store.BackfillSemanticID(ctx, p.RunID, poi.File, poi.Name, newID)
	}
	return nil
}
