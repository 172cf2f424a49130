// Package retry decides and enacts retry behavior for pipeline stages.
// It sits between the stage handlers and the job queue: handlers report
// failures here, and the manager persists the classification, maintains
// the bounded retry history, and flips document statuses.
package retry

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
	"github.com/dealgraph/dealgraph/internal/pipeline/classify"
)

// Manager coordinates stage retries for documents.
type Manager struct {
	docs     domain.DocumentRepository
	chunks   domain.ChunkRepository
	findings domain.FindingRepository
	policy   config.RetryPolicy
	now      func() time.Time
}

// NewManager constructs a Manager. The clock defaults to time.Now.
func NewManager(docs domain.DocumentRepository, chunks domain.ChunkRepository, findings domain.FindingRepository, policy config.RetryPolicy) *Manager {
	return &Manager{docs: docs, chunks: chunks, findings: findings, policy: policy, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the manager's clock. Test hook.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// HandleJobFailure classifies the error, persists it on the document,
// appends a retry-history entry, and flips the coarse status when the
// failure is permanent. The classification is returned so the handler can
// re-raise and let the queue reschedule transient failures.
func (m *Manager) HandleJobFailure(ctx domain.Context, documentID string, cause error, stage string, retryCount int) domain.ClassifiedError {
	tracer := otel.Tracer("pipeline.retry")
	ctx, span := tracer.Start(ctx, "retry.HandleJobFailure")
	defer span.End()
	span.SetAttributes(
		attribute.String("document.id", documentID),
		attribute.String("stage", stage),
		attribute.Int("retry.count", retryCount),
	)

	ce := classify.Classify(cause, stage, retryCount)
	span.SetAttributes(
		attribute.String("error.category", string(ce.Category)),
		attribute.String("error.type", ce.ErrorType),
	)

	if err := m.docs.SetProcessingError(ctx, documentID, &ce); err != nil {
		slog.Warn("failed to persist processing error", "document_id", documentID, "error", err)
	}
	entry := domain.RetryHistoryEntry{
		Attempt:   retryCount + 1,
		Stage:     stage,
		ErrorType: ce.ErrorType,
		Message:   ce.Message,
		Timestamp: m.now(),
	}
	if err := m.docs.AppendRetryHistory(ctx, documentID, entry); err != nil {
		slog.Warn("failed to append retry history", "document_id", documentID, "error", err)
	}
	if ce.Category == domain.ErrorPermanent {
		failed := domain.FailedStatusFor(stage)
		if err := m.docs.UpdateProcessingStatus(ctx, documentID, failed); err != nil {
			slog.Warn("failed to set failed status", "document_id", documentID, "status", failed, "error", err)
		}
	}
	slog.Error("stage failure handled",
		"document_id", documentID,
		"stage", stage,
		"category", ce.Category,
		"error_type", ce.ErrorType,
		"should_retry", ce.ShouldRetry,
		"retry_count", retryCount,
	)
	return ce
}

// ShouldRetryStage reports whether the stage may be retried, counting
// attempts seen in the document's retry history for that stage.
func (m *Manager) ShouldRetryStage(ctx domain.Context, documentID, stage string) (bool, int, error) {
	doc, err := m.docs.Get(ctx, documentID)
	if err != nil {
		return false, 0, fmt.Errorf("op=retry.should_retry: %w", err)
	}
	seen := 0
	for _, e := range doc.RetryHistory {
		if e.Stage == stage {
			seen++
		}
	}
	return seen < m.policy.MaxRetryAttempts, seen, nil
}

// CanManualRetry reports whether a user-initiated retry is allowed.
// Denied when the history is saturated or the newest attempt is within
// the cooldown window. A missing newest timestamp means no cooldown.
func (m *Manager) CanManualRetry(ctx domain.Context, documentID string) (bool, string, error) {
	doc, err := m.docs.Get(ctx, documentID)
	if err != nil {
		return false, "", fmt.Errorf("op=retry.can_manual_retry: %w", err)
	}
	if len(doc.RetryHistory) >= m.policy.MaxTotalRetryAttempts {
		return false, fmt.Sprintf("retry limit reached (%d attempts)", m.policy.MaxTotalRetryAttempts), nil
	}
	if len(doc.RetryHistory) > 0 {
		newest := doc.RetryHistory[0].Timestamp
		if !newest.IsZero() {
			elapsed := m.now().Sub(newest)
			if elapsed < m.policy.ManualRetryCooldown {
				wait := m.policy.ManualRetryCooldown - elapsed
				return false, fmt.Sprintf("cooldown active, retry in %ds", int(wait.Seconds())+1), nil
			}
		}
	}
	return true, "", nil
}

// NextRetryJob maps the document's fine cursor to the job that would
// advance it by one stage. Empty string means nothing left to run.
// A pending cursor normally resumes at graph ingest, but a document with
// no stored chunks has nothing to ingest and restarts at parse.
func (m *Manager) NextRetryJob(ctx domain.Context, documentID string) (string, error) {
	doc, err := m.docs.Get(ctx, documentID)
	if err != nil {
		return "", fmt.Errorf("op=retry.next_job: %w", err)
	}
	if doc.LastCompletedStage == nil {
		return domain.JobParseDocument, nil
	}
	switch *doc.LastCompletedStage {
	case domain.StageParsed:
		return domain.JobIngestGraph, nil
	case domain.StageEmbedded:
		return domain.JobAnalyzeDocument, nil
	case domain.StageAnalyzed, domain.StageComplete:
		return "", nil
	case domain.StagePending:
		n, err := m.chunks.CountByDocument(ctx, documentID)
		if err != nil {
			return "", fmt.Errorf("op=retry.next_job: %w", err)
		}
		if n == 0 {
			return domain.JobParseDocument, nil
		}
		return domain.JobIngestGraph, nil
	default:
		return domain.JobParseDocument, nil
	}
}

// PrepareStageRetry clears the data a stage (and its successors) produced,
// rewinds the fine cursor, sets the coarse status back to the stage's
// active label, and clears the stored error.
func (m *Manager) PrepareStageRetry(ctx domain.Context, documentID, stage string) error {
	tracer := otel.Tracer("pipeline.retry")
	ctx, span := tracer.Start(ctx, "retry.PrepareStageRetry")
	defer span.End()
	span.SetAttributes(attribute.String("document.id", documentID), attribute.String("stage", stage))

	if err := m.ClearStageData(ctx, documentID, stage); err != nil {
		return err
	}
	if err := m.docs.UpdateProcessingStatus(ctx, documentID, domain.ActiveStatusFor(stage)); err != nil {
		return fmt.Errorf("op=retry.prepare: %w", err)
	}
	if err := m.docs.SetProcessingError(ctx, documentID, nil); err != nil {
		return fmt.Errorf("op=retry.prepare: %w", err)
	}
	return nil
}

// ClearStageData removes artifacts produced by the stage and everything
// after it, and resets the fine cursor to the stage's predecessor.
func (m *Manager) ClearStageData(ctx domain.Context, documentID, stage string) error {
	fine := domain.FineStageForCompletion(stage)
	switch fine {
	case domain.StageParsed:
		if err := m.chunks.DeleteByDocument(ctx, documentID); err != nil {
			return fmt.Errorf("op=retry.clear: %w", err)
		}
		if err := m.findings.DeleteByDocument(ctx, documentID); err != nil {
			return fmt.Errorf("op=retry.clear: %w", err)
		}
		if err := m.docs.SetLastCompletedStage(ctx, documentID, nil); err != nil {
			return fmt.Errorf("op=retry.clear: %w", err)
		}
	case domain.StageEmbedded:
		if err := m.chunks.ClearEmbeddings(ctx, documentID); err != nil {
			return fmt.Errorf("op=retry.clear: %w", err)
		}
		if err := m.findings.DeleteByDocument(ctx, documentID); err != nil {
			return fmt.Errorf("op=retry.clear: %w", err)
		}
		prev := domain.StageParsed
		if err := m.docs.SetLastCompletedStage(ctx, documentID, &prev); err != nil {
			return fmt.Errorf("op=retry.clear: %w", err)
		}
	case domain.StageAnalyzed:
		if err := m.findings.DeleteByDocument(ctx, documentID); err != nil {
			return fmt.Errorf("op=retry.clear: %w", err)
		}
		prev := domain.StageEmbedded
		if err := m.docs.SetLastCompletedStage(ctx, documentID, &prev); err != nil {
			return fmt.Errorf("op=retry.clear: %w", err)
		}
	}
	return nil
}

// MarkStageComplete advances both cursors after a stage finishes. The
// financial stage is the pipeline tail and completes the document.
func (m *Manager) MarkStageComplete(ctx domain.Context, documentID, stage string) error {
	fine := domain.FineStageForCompletion(stage)
	if err := m.docs.SetLastCompletedStage(ctx, documentID, &fine); err != nil {
		return fmt.Errorf("op=retry.mark_complete: %w", err)
	}
	if err := m.docs.UpdateProcessingStatus(ctx, documentID, domain.CompletedStatusFor(stage)); err != nil {
		return fmt.Errorf("op=retry.mark_complete: %w", err)
	}
	return nil
}
