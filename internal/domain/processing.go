package domain

import (
	"strings"
	"time"
)

// ProcessingStatus is the coarse, externally visible document label.
type ProcessingStatus string

const (
	StatusPending                 ProcessingStatus = "pending"
	StatusProcessing              ProcessingStatus = "processing"
	StatusParsing                 ProcessingStatus = "parsing"
	StatusParsed                  ProcessingStatus = "parsed"
	StatusEmbedding               ProcessingStatus = "embedding"
	StatusEmbedded                ProcessingStatus = "embedded"
	StatusGraphIngesting          ProcessingStatus = "graphiti_ingesting"
	StatusGraphIngested           ProcessingStatus = "graphiti_ingested"
	StatusAnalyzing               ProcessingStatus = "analyzing"
	StatusAnalyzed                ProcessingStatus = "analyzed"
	StatusExtractingFinancials    ProcessingStatus = "extracting_financials"
	StatusComplete                ProcessingStatus = "complete"
	StatusFailed                  ProcessingStatus = "failed"
	StatusParsingFailed           ProcessingStatus = "parsing_failed"
	StatusEmbeddingFailed         ProcessingStatus = "embedding_failed"
	StatusAnalyzingFailed         ProcessingStatus = "analyzing_failed"
	StatusExtractFinancialsFailed ProcessingStatus = "extracting_financials_failed"
)

// Stage is the fine internal cursor: the authoritative progress marker.
// The coarse status is derived from it.
type Stage string

const (
	StagePending  Stage = "pending"
	StageParsed   Stage = "parsed"
	StageEmbedded Stage = "embedded"
	StageAnalyzed Stage = "analyzed"
	StageComplete Stage = "complete"
)

// StageOrder is the fine-cursor progression. StageComplete is a fixed point.
var StageOrder = []Stage{StagePending, StageParsed, StageEmbedded, StageAnalyzed, StageComplete}

// NextStage returns the successor of s in StageOrder. Unknown stages and
// StageComplete return StageComplete.
func NextStage(s Stage) Stage {
	for i, st := range StageOrder {
		if st == s && i+1 < len(StageOrder) {
			return StageOrder[i+1]
		}
	}
	return StageComplete
}

// PrevStage returns the predecessor of s, or StagePending at the bottom.
func PrevStage(s Stage) Stage {
	for i, st := range StageOrder {
		if st == s && i > 0 {
			return StageOrder[i-1]
		}
	}
	return StagePending
}

// Stage labels used in retry history and failure routing. These are the
// coarse `*ing` values a handler runs under.
const (
	StageLabelParsing              = "parsing"
	StageLabelEmbedding            = "embedding"
	StageLabelGraphIngesting       = "graphiti_ingesting"
	StageLabelAnalyzing            = "analyzing"
	StageLabelExtractingFinancials = "extracting_financials"
	StageLabelDetectContradictions = "detecting_contradictions"
)

// FailedStatusFor maps a stage label to its stage-specific terminal
// status. Labels without a dedicated variant map to StatusFailed.
func FailedStatusFor(stageLabel string) ProcessingStatus {
	switch normalizeStageLabel(stageLabel) {
	case StageLabelParsing:
		return StatusParsingFailed
	case StageLabelEmbedding, StageLabelGraphIngesting:
		return StatusEmbeddingFailed
	case StageLabelAnalyzing:
		return StatusAnalyzingFailed
	case StageLabelExtractingFinancials:
		return StatusExtractFinancialsFailed
	default:
		return StatusFailed
	}
}

// ActiveStatusFor maps a stage label to the coarse `*ing` status a handler
// sets while running.
func ActiveStatusFor(stageLabel string) ProcessingStatus {
	switch normalizeStageLabel(stageLabel) {
	case StageLabelParsing:
		return StatusParsing
	case StageLabelEmbedding:
		return StatusEmbedding
	case StageLabelGraphIngesting:
		return StatusGraphIngesting
	case StageLabelAnalyzing:
		return StatusAnalyzing
	case StageLabelExtractingFinancials:
		return StatusExtractingFinancials
	default:
		return StatusProcessing
	}
}

// CompletedStatusFor maps a stage label to the coarse status set when the
// stage finishes. The financial stage is the pipeline tail and completes
// the document.
func CompletedStatusFor(stageLabel string) ProcessingStatus {
	switch normalizeStageLabel(stageLabel) {
	case StageLabelParsing:
		return StatusParsed
	case StageLabelEmbedding:
		return StatusEmbedded
	case StageLabelGraphIngesting:
		return StatusGraphIngested
	case StageLabelAnalyzing:
		return StatusAnalyzed
	case StageLabelExtractingFinancials:
		return StatusComplete
	default:
		return StatusComplete
	}
}

// FineStageForCompletion maps a stage label (or its completed form) to the
// fine-cursor value recorded when that stage completes. The `embedding`
// and `graphiti_*` labels are the same stage; `extracting_financials`
// terminates the document.
func FineStageForCompletion(stageLabel string) Stage {
	switch normalizeStageLabel(stageLabel) {
	case StageLabelParsing, "parsed":
		return StageParsed
	case StageLabelEmbedding, "embedded", StageLabelGraphIngesting, "graphiti_ingested":
		return StageEmbedded
	case StageLabelAnalyzing, "analyzed":
		return StageAnalyzed
	case StageLabelExtractingFinancials, "complete":
		return StageComplete
	default:
		return StagePending
	}
}

func normalizeStageLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ErrorCategory buckets classified errors by retry behavior.
type ErrorCategory string

const (
	ErrorTransient ErrorCategory = "transient"
	ErrorPermanent ErrorCategory = "permanent"
	ErrorUnknown   ErrorCategory = "unknown"
)

// ClassifiedError is the structured processing error persisted on a
// document (documents.processing_error). UserMessage and Guidance are the
// only fields safe for UI rendering; Message and StackTrace are diagnostic.
type ClassifiedError struct {
	Category    ErrorCategory `json:"category"`
	ErrorType   string        `json:"error_type"`
	Message     string        `json:"message"`
	ShouldRetry bool          `json:"should_retry"`
	UserMessage string        `json:"user_message"`
	Guidance    string        `json:"guidance,omitempty"`
	Stage       string        `json:"stage,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	StackTrace  string        `json:"stack_trace,omitempty"`
	RetryCount  int           `json:"retry_count"`
}

// MaxRetryHistoryEntries bounds documents.retry_history (newest first).
const MaxRetryHistoryEntries = 10

// RetryHistoryEntry is one element of documents.retry_history.
type RetryHistoryEntry struct {
	Attempt   int       `json:"attempt"`
	Stage     string    `json:"stage"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
