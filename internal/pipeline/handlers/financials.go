package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dealgraph/dealgraph/internal/adapter/observability"
	"github.com/dealgraph/dealgraph/internal/domain"
	"github.com/dealgraph/dealgraph/internal/extract/financial"
)

// HandleExtractFinancials runs the deterministic metric extractor over
// the document's chunks. Detection gates extraction: chunks that do not
// look like financial statements skip straight to completion.
func (d *Deps) HandleExtractFinancials(ctx domain.Context, job domain.Job) (any, error) {
	var p domain.ExtractFinancialsPayload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return nil, fmt.Errorf("op=handlers.financials: bad payload: %w", domain.ErrInvalidArgument)
	}
	if p.DocumentID == "" {
		return nil, fmt.Errorf("op=handlers.financials: document_id required: %w", domain.ErrInvalidArgument)
	}
	stage := domain.StageLabelExtractingFinancials
	start := time.Now()
	defer func() { observability.ObserveStage(stage, time.Since(start).Seconds()) }()

	doc, err := d.Docs.Get(ctx, p.DocumentID)
	if err != nil {
		return nil, d.fail(ctx, p.DocumentID, fmt.Errorf("document lookup: %w", err), stage, job.RetryCount)
	}
	dealID := p.DealID
	if dealID == "" {
		dealID = doc.DealID
	}
	if err := d.begin(ctx, p.DocumentID, stage, false); err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}

	chunks, err := d.Chunks.ListByDocument(ctx, p.DocumentID)
	if err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}

	metrics := 0
	financialDoc, score := d.Detector.IsFinancial(chunks)
	if financialDoc {
		extracted := financial.NewExtractor().Extract(p.DocumentID, chunks)
		now := d.clock()
		for i := range extracted {
			extracted[i].ID = uuid.NewString()
			extracted[i].CreatedAt = now
		}
		if len(extracted) > 0 {
			if err := d.Metrics.CreateBatch(ctx, extracted); err != nil {
				return nil, d.fail(ctx, p.DocumentID, fmt.Errorf("store metrics: %w", err), stage, job.RetryCount)
			}
		}
		metrics = len(extracted)
	} else {
		slog.Info("financial extraction skipped, below detection threshold",
			"document_id", p.DocumentID, "score", score)
	}

	if err := d.Retry.MarkStageComplete(ctx, p.DocumentID, stage); err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}

	orgID, err := d.organizationID(ctx, dealID)
	if err != nil {
		slog.Warn("organization lookup failed for completion event", "deal_id", dealID, "error", err)
	}
	d.publish(ctx, domain.Event{
		Type:           domain.EventDocumentCompleted,
		DocumentID:     p.DocumentID,
		DealID:         dealID,
		OrganizationID: orgID,
		Payload:        map[string]any{"metrics": metrics, "detection_score": score},
	})
	return map[string]any{"metrics": metrics, "financial": financialDoc}, nil
}
