package usecase

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/dealgraph/dealgraph/internal/domain"
	"github.com/dealgraph/dealgraph/internal/pipeline/retry"
)

// DocumentService covers the synchronous document operations: status
// inspection, manual retry, and webhook registration.
type DocumentService struct {
	Deals domain.DealRepository
	Docs  domain.DocumentRepository
	Queue domain.Queue
	Retry *retry.Manager
	now   func() time.Time
}

// NewDocumentService constructs a DocumentService.
func NewDocumentService(deals domain.DealRepository, docs domain.DocumentRepository, queue domain.Queue, mgr *retry.Manager) DocumentService {
	return DocumentService{Deals: deals, Docs: docs, Queue: queue, Retry: mgr, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the service clock. Test hook.
func (s DocumentService) WithClock(now func() time.Time) DocumentService {
	s.now = now
	return s
}

// StatusView is the user-visible processing state of a document.
type StatusView struct {
	DocumentID         string
	DealID             string
	ProcessingStatus   domain.ProcessingStatus
	LastCompletedStage *domain.Stage
	ProcessingError    *domain.ClassifiedError
	RetryHistory       []domain.RetryHistoryEntry
	GraphEpisodeCount  int
	UpdatedAt          time.Time
}

// Status returns the document's processing state.
func (s DocumentService) Status(ctx domain.Context, documentID string) (StatusView, error) {
	doc, err := s.Docs.Get(ctx, documentID)
	if err != nil {
		return StatusView{}, fmt.Errorf("op=documents.status id=%s: %w", documentID, err)
	}
	return StatusView{
		DocumentID:         doc.ID,
		DealID:             doc.DealID,
		ProcessingStatus:   doc.ProcessingStatus,
		LastCompletedStage: doc.LastCompletedStage,
		ProcessingError:    doc.ProcessingError,
		RetryHistory:       doc.RetryHistory,
		GraphEpisodeCount:  doc.GraphEpisodeCount,
		UpdatedAt:          doc.UpdatedAt,
	}, nil
}

// RetryOutcome reports what a manual retry request decided.
type RetryOutcome struct {
	Accepted bool
	Reason   string
	Job      string
	JobID    string
}

// ManualRetry re-runs the document's next incomplete stage. Denials
// (cooldown, saturated history, nothing left to run) come back with
// Accepted false and a reason rather than an error.
func (s DocumentService) ManualRetry(ctx domain.Context, documentID string) (RetryOutcome, error) {
	ctx, span := otel.Tracer("usecase").Start(ctx, "DocumentService.ManualRetry")
	defer span.End()

	doc, err := s.Docs.Get(ctx, documentID)
	if err != nil {
		return RetryOutcome{}, fmt.Errorf("op=documents.retry id=%s: %w", documentID, err)
	}
	allowed, reason, err := s.Retry.CanManualRetry(ctx, doc.ID)
	if err != nil {
		return RetryOutcome{}, fmt.Errorf("op=documents.retry id=%s: %w", documentID, err)
	}
	if !allowed {
		return RetryOutcome{Accepted: false, Reason: reason}, nil
	}
	job, err := s.Retry.NextRetryJob(ctx, doc.ID)
	if err != nil {
		return RetryOutcome{}, fmt.Errorf("op=documents.retry id=%s: %w", documentID, err)
	}
	if job == "" {
		return RetryOutcome{Accepted: false, Reason: "document processing already complete"}, nil
	}
	payload, err := retryPayload(job, doc)
	if err != nil {
		return RetryOutcome{}, fmt.Errorf("op=documents.retry id=%s: %w", documentID, err)
	}
	jobID, err := s.Queue.Enqueue(ctx, job, payload, nil)
	if err != nil {
		return RetryOutcome{}, fmt.Errorf("op=documents.retry id=%s: %w", documentID, err)
	}
	return RetryOutcome{Accepted: true, Job: job, JobID: jobID}, nil
}

// retryPayload builds the retry-flagged payload for the resuming job.
func retryPayload(job string, doc domain.Document) (any, error) {
	switch job {
	case domain.JobParseDocument:
		return domain.ParseDocumentPayload{DocumentID: doc.ID, DealID: doc.DealID, IsRetry: true}, nil
	case domain.JobIngestGraph:
		return domain.IngestGraphPayload{DocumentID: doc.ID, DealID: doc.DealID, IsRetry: true}, nil
	case domain.JobAnalyzeDocument:
		return domain.AnalyzeDocumentPayload{DocumentID: doc.ID, DealID: doc.DealID, IsRetry: true}, nil
	default:
		return nil, fmt.Errorf("no retry payload for job %q: %w", job, domain.ErrInternal)
	}
}

// UploadNotification is the webhook body announcing a stored blob.
type UploadNotification struct {
	DocumentID string
	DealID     string
	GCSPath    string
	MimeType   string
	FileName   string
}

// RegisterUpload records the document row and enqueues the first
// pipeline stage. The pipeline's entry point.
func (s DocumentService) RegisterUpload(ctx domain.Context, in UploadNotification) (string, error) {
	ctx, span := otel.Tracer("usecase").Start(ctx, "DocumentService.RegisterUpload")
	defer span.End()

	if in.DealID == "" || strings.TrimSpace(in.GCSPath) == "" {
		return "", fmt.Errorf("op=documents.register: deal_id and gcs_path required: %w", domain.ErrInvalidArgument)
	}
	if _, err := s.Deals.OrganizationIDFor(ctx, in.DealID); err != nil {
		return "", fmt.Errorf("op=documents.register deal=%s: %w", in.DealID, err)
	}
	id := in.DocumentID
	if id == "" {
		id = uuid.NewString()
	}
	name := in.FileName
	if name == "" {
		name = in.GCSPath[strings.LastIndex(in.GCSPath, "/")+1:]
	}
	now := s.now()
	docID, err := s.Docs.Create(ctx, domain.Document{
		ID:               id,
		DealID:           in.DealID,
		BlobPath:         in.GCSPath,
		MimeType:         in.MimeType,
		DisplayName:      name,
		ProcessingStatus: domain.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return "", fmt.Errorf("op=documents.register: %w", err)
	}
	if _, err := s.Queue.Enqueue(ctx, domain.JobParseDocument, domain.ParseDocumentPayload{
		DocumentID: docID,
		GCSPath:    in.GCSPath,
		DealID:     in.DealID,
		FileName:   name,
		FileType:   in.MimeType,
	}, nil); err != nil {
		return "", fmt.Errorf("op=documents.register: %w", err)
	}
	return docID, nil
}
