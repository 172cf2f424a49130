package domain

import (
	"encoding/json"
	"time"
)

// Job names (handler keys). The queue routes exclusively by these.
const (
	JobParseDocument        = "parse-document"
	JobIngestGraph          = "ingest-graphiti"
	JobAnalyzeDocument      = "analyze-document"
	JobExtractFinancials    = "extract-financials"
	JobDetectContradictions = "detect-contradictions"
	JobIngestQAResponse     = "ingest-qa-response"
	JobIngestChatFact       = "ingest-chat-fact"
	JobAnalyzeFeedback      = "analyze-feedback"
	JobAnalyzeFeedbackAll   = "analyze-feedback-all"
)

type JobState string

const (
	JobStateCreated   JobState = "created"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateRetry     JobState = "retry"
)

// Job is a queued unit of work. Data is the opaque JSON payload handlers
// unmarshal into their typed payload structs.
type Job struct {
	ID           string
	Name         string
	Data         json.RawMessage
	State        JobState
	Priority     int
	RetryCount   int
	RetryLimit   int
	RetryDelay   time.Duration
	RetryBackoff bool
	StartAfter   time.Time
	ExpireAt     *time.Time
	CreatedOn    time.Time
	StartedOn    *time.Time
	CompletedOn  *time.Time
	Output       json.RawMessage
	LastError    string
}

// JobOptions override the per-name defaults field by field; zero values
// mean "use the default".
type JobOptions struct {
	Priority     *int
	RetryLimit   *int
	RetryDelay   *time.Duration
	RetryBackoff *bool
	StartAfter   *time.Duration
}

// Queue is the producer-side port: handlers communicate exclusively by
// enqueueing successor jobs. Transport errors propagate to the caller so
// the surrounding stage fails visibly.
type Queue interface {
	Enqueue(ctx Context, name string, payload any, opts *JobOptions) (string, error)
}

// Job payloads. Field names are part of the wire contract and must not
// change.

type ParseDocumentPayload struct {
	DocumentID string `json:"document_id"`
	GCSPath    string `json:"gcs_path,omitempty"`
	FileType   string `json:"file_type,omitempty"`
	DealID     string `json:"deal_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	FileName   string `json:"file_name,omitempty"`
	IsRetry    bool   `json:"is_retry,omitempty"`
}

type IngestGraphPayload struct {
	DocumentID string `json:"document_id"`
	DealID     string `json:"deal_id"`
	UserID     string `json:"user_id,omitempty"`
	IsRetry    bool   `json:"is_retry,omitempty"`
}

type AnalyzeDocumentPayload struct {
	DocumentID     string `json:"document_id"`
	DealID         string `json:"deal_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	IsRetry        bool   `json:"is_retry,omitempty"`
}

type ExtractFinancialsPayload struct {
	DocumentID string `json:"document_id"`
	DealID     string `json:"deal_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

type DetectContradictionsPayload struct {
	DealID     string `json:"deal_id"`
	DocumentID string `json:"document_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	IsRetry    bool   `json:"is_retry,omitempty"`
}

type IngestQAResponsePayload struct {
	QAItemID string `json:"qa_item_id"`
	DealID   string `json:"deal_id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type IngestChatFactPayload struct {
	MessageID      string `json:"message_id"`
	DealID         string `json:"deal_id"`
	FactContent    string `json:"fact_content"`
	MessageContext string `json:"message_context,omitempty"`
}

type AnalyzeFeedbackPayload struct {
	DealID                       string `json:"deal_id"`
	PeriodDays                   int    `json:"period_days,omitempty"`
	AnalysisType                 string `json:"analysis_type,omitempty"`
	IncludePatternDetection      *bool  `json:"include_pattern_detection,omitempty"`
	IncludeConfidenceAdjustments *bool  `json:"include_confidence_adjustments,omitempty"`
}

type AnalyzeFeedbackAllPayload struct {
	PeriodDays int `json:"period_days,omitempty"`
}
