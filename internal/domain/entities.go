package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrGraphUnavailable  = errors.New("graph unavailable")
	ErrInternal          = errors.New("internal error")
)

// Organization is the tenant root. It owns deals and carries no
// processing state of its own.
type Organization struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Deal is a workspace within an organization and the isolation unit for
// every derived artifact and every knowledge-graph namespace.
// Invariant: no derived record exists without a resolvable deal → organization path.
type Deal struct {
	ID             string
	OrganizationID string
	Name           string
	CompanyName    string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Document is a raw uploaded artifact, driven through pipeline stages.
// The pipeline never deletes documents; it only advances their status.
type Document struct {
	ID                 string
	DealID             string
	BlobPath           string
	MimeType           string
	DisplayName        string
	FileSizeBytes      int64
	ProcessingStatus   ProcessingStatus
	LastCompletedStage *Stage
	ProcessingError    *ClassifiedError
	RetryHistory       []RetryHistoryEntry
	GraphEpisodeCount  int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ChunkType enumerates chunk content kinds
type ChunkType string

const (
	ChunkTypeText    ChunkType = "text"
	ChunkTypeTable   ChunkType = "table"
	ChunkTypeFormula ChunkType = "formula"
	ChunkTypeImage   ChunkType = "image"
)

// Chunk is a token-bounded slice of a document's content, ordered by
// ChunkIndex (dense, zero-based, document-wide). Chunks are owned by
// their document and replaced as a group when parse output is reset.
type Chunk struct {
	ID            string
	DocumentID    string
	ChunkIndex    int
	Content       string
	ChunkType     ChunkType
	PageNumber    *int
	SheetName     *string
	CellReference *string
	TokenCount    int
	Embedding     []float32
	Metadata      map[string]any
	CreatedAt     time.Time
}

type FindingType string

const (
	FindingFact        FindingType = "fact"
	FindingMetric      FindingType = "metric"
	FindingRisk        FindingType = "risk"
	FindingOpportunity FindingType = "opportunity"
	FindingInsight     FindingType = "insight"
	FindingAssumption  FindingType = "assumption"
)

type FindingDomain string

const (
	DomainFinancial   FindingDomain = "financial"
	DomainOperational FindingDomain = "operational"
	DomainMarket      FindingDomain = "market"
	DomainLegal       FindingDomain = "legal"
	DomainTechnical   FindingDomain = "technical"
	DomainGeneral     FindingDomain = "general"
)

type FindingStatus string

const (
	FindingPending   FindingStatus = "pending"
	FindingValidated FindingStatus = "validated"
	FindingRejected  FindingStatus = "rejected"
)

// Finding is a structured extraction from chunks. Metadata carries a
// source_reference (page/cell) and optional date_referenced used by
// contradiction prefiltering.
type Finding struct {
	ID          string
	DealID      string
	DocumentID  string
	ChunkID     *string
	Text        string
	FindingType FindingType
	Domain      FindingDomain
	Confidence  float64
	Status      FindingStatus
	Metadata    map[string]any
	CreatedAt   time.Time
}

type MetricCategory string

const (
	CategoryIncomeStatement MetricCategory = "income_statement"
	CategoryBalanceSheet    MetricCategory = "balance_sheet"
	CategoryCashFlow        MetricCategory = "cash_flow"
	CategoryRatio           MetricCategory = "ratio"
)

type PeriodType string

const (
	PeriodAnnual    PeriodType = "annual"
	PeriodQuarterly PeriodType = "quarterly"
	PeriodMonthly   PeriodType = "monthly"
)

// FinancialMetric is a typed numeric extraction bound to a period and unit.
// IsActual distinguishes reported values from estimates/projections.
type FinancialMetric struct {
	ID             string
	DocumentID     string
	MetricName     string
	MetricCategory MetricCategory
	Value          float64
	Unit           *string
	PeriodType     *PeriodType
	FiscalYear     *int
	FiscalQuarter  *int
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
	SourceSheet    *string
	SourceCell     *string
	SourcePage     *int
	SourceFormula  *string
	IsActual       bool
	Confidence     float64
	Metadata       map[string]any
	CreatedAt      time.Time
}

type ContradictionStatus string

const (
	ContradictionUnresolved ContradictionStatus = "unresolved"
	ContradictionAccepted   ContradictionStatus = "accepted"
	ContradictionDismissed  ContradictionStatus = "dismissed"
)

// Contradiction asserts that two findings conflict.
// Invariant: the unordered pair {FindingAID, FindingBID} appears at most
// once per deal regardless of insertion order.
type Contradiction struct {
	ID         string
	DealID     string
	FindingAID string
	FindingBID string
	Confidence float64
	Reason     string
	Status     ContradictionStatus
	DetectedAt time.Time
}

type FeedbackType string

const (
	FeedbackValidation FeedbackType = "validation"
	FeedbackRejection  FeedbackType = "rejection"
	FeedbackCorrection FeedbackType = "correction"
)

// FeedbackEvent is a user judgement on a finding, consumed by the weekly
// feedback analysis stage.
type FeedbackEvent struct {
	ID            string
	DealID        string
	FindingID     string
	FeedbackType  FeedbackType
	CorrectedText *string
	Comment       *string
	UserID        *string
	CreatedAt     time.Time
}

// DomainFeedbackStats aggregates feedback within one finding domain.
type DomainFeedbackStats struct {
	Total          int     `json:"total"`
	Validations    int     `json:"validations"`
	Rejections     int     `json:"rejections"`
	Corrections    int     `json:"corrections"`
	RejectionRate  float64 `json:"rejection_rate"`
	CorrectionRate float64 `json:"correction_rate"`
}

type FeedbackPatternType string

const (
	PatternDomainBias      FeedbackPatternType = "domain_bias"
	PatternConfidenceDrift FeedbackPatternType = "confidence_drift"
	PatternSourceQuality   FeedbackPatternType = "source_quality"
	PatternExtractionError FeedbackPatternType = "extraction_error"
)

type FeedbackPattern struct {
	Type        FeedbackPatternType `json:"type"`
	Domain      FindingDomain       `json:"domain,omitempty"`
	Severity    string              `json:"severity"`
	Description string              `json:"description"`
	SampleSize  int                 `json:"sample_size"`
}

// FeedbackReport is the per-(deal, analysis_date) analytics row produced
// by the analyze-feedback stage. Upserted, never duplicated.
type FeedbackReport struct {
	ID                   string
	DealID               string
	AnalysisDate         time.Time
	PeriodDays           int
	Stats                map[FindingDomain]DomainFeedbackStats
	Patterns             []FeedbackPattern
	Recommendations      []string
	ThresholdAdjustments map[FindingDomain]float64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// UsageRecord is one LLM/embedding call's cost accounting entry.
type UsageRecord struct {
	ID             string
	OrganizationID *string
	DealID         *string
	UserID         *string
	Feature        string
	Provider       string
	Model          string
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	LatencyMS      int64
	CreatedAt      time.Time
}

// Repositories (ports)

type OrganizationRepository interface {
	Create(ctx Context, o Organization) (string, error)
	Get(ctx Context, id string) (Organization, error)
}

type DealRepository interface {
	Create(ctx Context, d Deal) (string, error)
	Get(ctx Context, id string) (Deal, error)
	// OrganizationIDFor resolves the owning organization for a deal.
	OrganizationIDFor(ctx Context, dealID string) (string, error)
	// IDsWithFeedbackSince returns deals that received feedback events
	// on or after the given time (analyze-feedback-all fan-out).
	IDsWithFeedbackSince(ctx Context, since time.Time) ([]string, error)
}

type DocumentRepository interface {
	Create(ctx Context, d Document) (string, error)
	Get(ctx Context, id string) (Document, error)
	UpdateProcessingStatus(ctx Context, id string, status ProcessingStatus) error
	SetLastCompletedStage(ctx Context, id string, stage *Stage) error
	// SetProcessingError stores the structured error; nil clears it.
	SetProcessingError(ctx Context, id string, ce *ClassifiedError) error
	// AppendRetryHistory prepends an entry, keeping the newest
	// MaxRetryHistoryEntries and dropping the rest.
	AppendRetryHistory(ctx Context, id string, entry RetryHistoryEntry) error
	// IncrementGraphEpisodes bumps the per-document episode counter.
	IncrementGraphEpisodes(ctx Context, id string, n int) error
}

type ChunkRepository interface {
	// ReplaceAndUpdateStatus deletes the document's chunks, inserts the
	// new set, and updates the document status, all in one transaction.
	ReplaceAndUpdateStatus(ctx Context, documentID string, chunks []Chunk, status ProcessingStatus) error
	ListByDocument(ctx Context, documentID string) ([]Chunk, error)
	CountByDocument(ctx Context, documentID string) (int, error)
	HasTableChunks(ctx Context, documentID string) (bool, error)
	// UpdateEmbeddingsAndStatus stores vectors for the given chunk ids and
	// updates the document status in one transaction.
	UpdateEmbeddingsAndStatus(ctx Context, documentID string, embeddings map[string][]float32, status ProcessingStatus) error
	ClearEmbeddings(ctx Context, documentID string) error
	DeleteByDocument(ctx Context, documentID string) error
	SearchSimilar(ctx Context, q SimilarityQuery) ([]SimilarChunk, error)
}

type FindingRepository interface {
	// StoreAndUpdateStatus inserts findings and updates the document
	// status in one transaction.
	StoreAndUpdateStatus(ctx Context, documentID string, findings []Finding, status ProcessingStatus) error
	ListByDeal(ctx Context, dealID string, excludeRejected bool) ([]Finding, error)
	ListByDocument(ctx Context, documentID string) ([]Finding, error)
	DeleteByDocument(ctx Context, documentID string) error
}

type MetricRepository interface {
	CreateBatch(ctx Context, metrics []FinancialMetric) error
	ListByDocument(ctx Context, documentID string) ([]FinancialMetric, error)
}

type ContradictionRepository interface {
	// Insert stores a contradiction unless the unordered finding pair
	// already exists for the deal; reports whether a row was written.
	Insert(ctx Context, c Contradiction) (bool, error)
	ListByDeal(ctx Context, dealID string) ([]Contradiction, error)
}

type FeedbackRepository interface {
	RecordEvent(ctx Context, e FeedbackEvent) (string, error)
	ListEventsSince(ctx Context, dealID string, since time.Time) ([]FeedbackEvent, error)
	UpsertReport(ctx Context, r FeedbackReport) error
	GetReport(ctx Context, dealID string, analysisDate time.Time) (FeedbackReport, error)
}

type UsageRepository interface {
	Record(ctx Context, u UsageRecord) error
}

// SimilarityQuery scopes a vector search. ProjectID filters by deal.
type SimilarityQuery struct {
	Embedding  []float32
	ProjectID  string
	DocumentID string
	Limit      int
}

// SimilarChunk is one similarity-search hit; Similarity is in [0,1].
type SimilarChunk struct {
	ChunkID      string
	DocumentID   string
	DocumentName string
	ProjectID    string
	Content      string
	ChunkType    ChunkType
	PageNumber   *int
	ChunkIndex   int
	Similarity   float64
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
