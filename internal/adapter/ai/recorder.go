package ai

import (
	"log/slog"
	"time"

	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
)

// Scope identifies who a call was made for. Any field may be empty.
type Scope struct {
	OrganizationID string
	DealID         string
	UserID         string
}

// Recorder writes usage accounting rows for LLM and embedding calls.
// Accounting must never fail a pipeline stage, so every error path here
// logs and returns.
type Recorder struct {
	repo    domain.UsageRepository
	catalog *config.ModelCatalog
	now     func() time.Time
}

// NewRecorder constructs a Recorder. A nil repo disables recording.
func NewRecorder(repo domain.UsageRepository, catalog *config.ModelCatalog) *Recorder {
	return &Recorder{repo: repo, catalog: catalog, now: time.Now}
}

// RecordGeneration logs one generation call.
func (r *Recorder) RecordGeneration(ctx domain.Context, scope Scope, feature string, resp domain.LLMResponse, latency time.Duration) {
	r.record(ctx, scope, feature, resp.Provider, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, latency)
}

// RecordEmbedding logs one embedding call.
func (r *Recorder) RecordEmbedding(ctx domain.Context, scope Scope, feature string, result domain.EmbedResult, latency time.Duration) {
	r.record(ctx, scope, feature, result.Provider, result.Model, result.InputTokens, 0, latency)
}

func (r *Recorder) record(ctx domain.Context, scope Scope, feature, provider, model string, in, out int, latency time.Duration) {
	if r == nil || r.repo == nil {
		return
	}
	var cost float64
	if r.catalog != nil {
		cost = r.catalog.Cost(provider, model, in, out)
	}
	rec := domain.UsageRecord{
		Feature:      feature,
		Provider:     provider,
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      cost,
		LatencyMS:    latency.Milliseconds(),
		CreatedAt:    r.now(),
	}
	if scope.OrganizationID != "" {
		rec.OrganizationID = &scope.OrganizationID
	}
	if scope.DealID != "" {
		rec.DealID = &scope.DealID
	}
	if scope.UserID != "" {
		rec.UserID = &scope.UserID
	}
	if err := r.repo.Record(ctx, rec); err != nil {
		slog.Warn("usage accounting write failed", "feature", feature, "provider", provider, "error", err)
	}
}
