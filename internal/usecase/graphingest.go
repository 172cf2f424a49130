package usecase

import (
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
)

const minIngestContentLen = 10

// Source types accepted on manual graph ingestion, in descending trust.
const (
	SourceCorrection   = "correction"
	SourceConfirmation = "confirmation"
	SourceNewInfo      = "new_info"
)

// GraphIngestService pushes user-supplied knowledge into the graph
// synchronously, outside the document pipeline.
type GraphIngestService struct {
	Deals   domain.DealRepository
	Graph   domain.GraphStore
	Catalog *config.ModelCatalog
	Cfg     config.Config
	now     func() time.Time
}

// NewGraphIngestService constructs a GraphIngestService.
func NewGraphIngestService(deals domain.DealRepository, graph domain.GraphStore, catalog *config.ModelCatalog, cfg config.Config) GraphIngestService {
	return GraphIngestService{Deals: deals, Graph: graph, Catalog: catalog, Cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the service clock. Test hook.
func (s GraphIngestService) WithClock(now func() time.Time) GraphIngestService {
	s.now = now
	return s
}

// GraphIngestInput is one manual ingestion request.
type GraphIngestInput struct {
	DealID         string
	Content        string
	SourceType     string
	MessageContext string
}

// GraphIngestResult reports what the ingestion did and its estimated
// entity-extraction cost.
type GraphIngestResult struct {
	EpisodeCount     int
	ElapsedMS        int64
	EstimatedCostUSD float64
}

// confidenceFor maps the manual source type to episode confidence.
// Corrections carry Q&A-level trust, confirmations chat-level, new
// information document-level.
func confidenceFor(sourceType string) (float64, bool) {
	switch sourceType {
	case SourceCorrection:
		return domain.QAConfidence, true
	case SourceConfirmation:
		return domain.ChatConfidence, true
	case SourceNewInfo:
		return domain.DocumentConfidence, true
	default:
		return 0, false
	}
}

// Ingest validates the request, resolves the deal's organization, and
// writes one episode into the graph.
func (s GraphIngestService) Ingest(ctx domain.Context, in GraphIngestInput) (GraphIngestResult, error) {
	ctx, span := otel.Tracer("usecase").Start(ctx, "GraphIngestService.Ingest")
	defer span.End()

	content := strings.TrimSpace(in.Content)
	if in.DealID == "" {
		return GraphIngestResult{}, fmt.Errorf("op=graphingest: deal_id required: %w", domain.ErrInvalidArgument)
	}
	if len(content) < minIngestContentLen {
		return GraphIngestResult{}, fmt.Errorf("op=graphingest: content must be at least %d characters: %w",
			minIngestContentLen, domain.ErrInvalidArgument)
	}
	confidence, ok := confidenceFor(in.SourceType)
	if !ok {
		return GraphIngestResult{}, fmt.Errorf("op=graphingest: source_type must be one of correction, confirmation, new_info: %w",
			domain.ErrInvalidArgument)
	}

	orgID, err := s.Deals.OrganizationIDFor(ctx, in.DealID)
	if err != nil {
		return GraphIngestResult{}, fmt.Errorf("op=graphingest deal=%s: %w", in.DealID, err)
	}

	source := "manual " + in.SourceType
	if in.MessageContext != "" {
		source = fmt.Sprintf("manual %s (%s)", in.SourceType, in.MessageContext)
	}
	started := time.Now()
	reference := s.now()
	episode := domain.Episode{
		DealID:            in.DealID,
		OrganizationID:    orgID,
		Content:           content,
		Name:              fmt.Sprintf("manual-%s-%d", in.SourceType, reference.UnixMilli()),
		SourceDescription: source,
		Reference:         reference,
		Confidence:        confidence,
	}
	if err := s.Graph.AddEpisode(ctx, episode); err != nil {
		return GraphIngestResult{}, fmt.Errorf("op=graphingest deal=%s: %w", in.DealID, err)
	}
	return GraphIngestResult{
		EpisodeCount:     1,
		ElapsedMS:        time.Since(started).Milliseconds(),
		EstimatedCostUSD: s.estimateCost(content),
	}, nil
}

// estimateCost approximates the entity-extraction spend for the episode
// using the lite tier's catalog pricing: four characters per token,
// quarter-length output.
func (s GraphIngestService) estimateCost(content string) float64 {
	if s.Catalog == nil {
		return 0
	}
	inTokens := len(content) / 4
	return s.Catalog.Cost("gemini", s.Cfg.GeminiLiteModel, inTokens, inTokens/4)
}
