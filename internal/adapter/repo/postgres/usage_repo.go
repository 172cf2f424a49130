package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/dealgraph/dealgraph/internal/domain"
)

// UsageRepo persists per-call AI cost accounting rows.
type UsageRepo struct{ Pool PgxPool }

// NewUsageRepo constructs a UsageRepo with the given pool.
func NewUsageRepo(p PgxPool) *UsageRepo { return &UsageRepo{Pool: p} }

// Record stores one usage entry. Callers treat failures as non-fatal; cost
// accounting never blocks the pipeline.
func (r *UsageRepo) Record(ctx domain.Context, u domain.UsageRecord) error {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.Record")
	defer span.End()
	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO ai_usage_log (id, organization_id, deal_id, user_id, feature, provider, model, input_tokens, output_tokens, cost_usd, latency_ms, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := r.Pool.Exec(ctx, q, id, u.OrganizationID, u.DealID, u.UserID, u.Feature, u.Provider, u.Model,
		u.InputTokens, u.OutputTokens, u.CostUSD, u.LatencyMS, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=usage.record: %w", err)
	}
	return nil
}
