// Package handlers implements the pipeline stage handlers. Every
// handler follows the same envelope: prepare (retry rewind or status
// advance), clear the stored error, do the stage work, then either mark
// the stage complete and enqueue successors or route the failure
// through the retry manager before re-raising to the queue.
package handlers

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dealgraph/dealgraph/internal/adapter/ai"
	"github.com/dealgraph/dealgraph/internal/adapter/queue/pgqueue"
	"github.com/dealgraph/dealgraph/internal/chunk"
	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
	"github.com/dealgraph/dealgraph/internal/extract/financial"
	"github.com/dealgraph/dealgraph/internal/pipeline/retry"
)

// Deps carries every port the stage handlers touch. All fields are
// required unless noted.
type Deps struct {
	Deals          domain.DealRepository
	Docs           domain.DocumentRepository
	Chunks         domain.ChunkRepository
	Findings       domain.FindingRepository
	Metrics        domain.MetricRepository
	Contradictions domain.ContradictionRepository
	Feedback       domain.FeedbackRepository

	Queue    domain.Queue
	Retry    *retry.Manager
	LLM      domain.LLMClient
	Embedder domain.Embedder
	Graph    domain.GraphStore
	Blobs    domain.BlobStore
	Parser   domain.DocumentParser
	Chunker  *chunk.Chunker
	Detector *financial.Detector

	Events   domain.EventPublisher // optional
	Recorder *ai.Recorder          // optional

	Cfg config.Config
	now func() time.Time
}

// WithClock overrides the handlers' clock. Test hook.
func (d *Deps) WithClock(now func() time.Time) *Deps {
	d.now = now
	return d
}

func (d *Deps) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now().UTC()
}

// RegisterAll binds every stage handler onto the worker.
func (d *Deps) RegisterAll(w *pgqueue.Worker) {
	w.Register(domain.JobParseDocument, d.HandleParseDocument)
	w.Register(domain.JobIngestGraph, d.HandleIngestGraph)
	w.Register(domain.JobAnalyzeDocument, d.HandleAnalyzeDocument)
	w.Register(domain.JobExtractFinancials, d.HandleExtractFinancials)
	w.Register(domain.JobDetectContradictions, d.HandleDetectContradictions)
	w.Register(domain.JobIngestQAResponse, d.HandleIngestQAResponse)
	w.Register(domain.JobIngestChatFact, d.HandleIngestChatFact)
	w.Register(domain.JobAnalyzeFeedback, d.HandleAnalyzeFeedback)
	w.Register(domain.JobAnalyzeFeedbackAll, d.HandleAnalyzeFeedbackAll)
}

// begin runs the common stage prologue: a retry job rewinds stage data
// through the retry manager, a fresh job advances the coarse status and
// clears any stored error.
func (d *Deps) begin(ctx domain.Context, documentID, stageLabel string, isRetry bool) error {
	if isRetry {
		if err := d.Retry.PrepareStageRetry(ctx, documentID, stageLabel); err != nil {
			return fmt.Errorf("op=handlers.begin stage=%s: %w", stageLabel, err)
		}
		return nil
	}
	if err := d.Docs.UpdateProcessingStatus(ctx, documentID, domain.ActiveStatusFor(stageLabel)); err != nil {
		return fmt.Errorf("op=handlers.begin stage=%s: %w", stageLabel, err)
	}
	if err := d.Docs.SetProcessingError(ctx, documentID, nil); err != nil {
		return fmt.Errorf("op=handlers.begin stage=%s: %w", stageLabel, err)
	}
	return nil
}

// fail routes the error through the retry manager and re-raises it so
// the queue's scheduler sees the failure.
func (d *Deps) fail(ctx domain.Context, documentID string, cause error, stageLabel string, retryCount int) error {
	d.Retry.HandleJobFailure(ctx, documentID, cause, stageLabel, retryCount)
	return fmt.Errorf("stage=%s document=%s: %w", stageLabel, documentID, cause)
}

// publish emits a lifecycle event, best effort.
func (d *Deps) publish(ctx domain.Context, e domain.Event) {
	if d.Events == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = d.clock()
	}
	if err := d.Events.Publish(ctx, e); err != nil {
		slog.Warn("event publish failed", "type", e.Type, "deal_id", e.DealID, "error", err)
	}
}

// organizationID resolves the owning organization for a deal. Empty
// when the deal id itself is empty.
func (d *Deps) organizationID(ctx domain.Context, dealID string) (string, error) {
	if dealID == "" {
		return "", nil
	}
	orgID, err := d.Deals.OrganizationIDFor(ctx, dealID)
	if err != nil {
		return "", fmt.Errorf("op=handlers.org_for deal=%s: %w", dealID, err)
	}
	return orgID, nil
}
