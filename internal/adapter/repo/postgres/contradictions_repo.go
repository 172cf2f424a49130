package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/dealgraph/dealgraph/internal/domain"
)

// ContradictionRepo persists and loads contradictions from PostgreSQL.
type ContradictionRepo struct{ Pool PgxPool }

// NewContradictionRepo constructs a ContradictionRepo with the given pool.
func NewContradictionRepo(p PgxPool) *ContradictionRepo { return &ContradictionRepo{Pool: p} }

// Insert stores a contradiction unless the unordered finding pair already
// exists for the deal. The unique index covers (deal, LEAST, GREATEST) so
// re-detection in either order is a no-op and resolved statuses survive.
func (r *ContradictionRepo) Insert(ctx domain.Context, c domain.Contradiction) (bool, error) {
	tracer := otel.Tracer("repo.contradictions")
	ctx, span := tracer.Start(ctx, "contradictions.Insert")
	defer span.End()
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := c.Status
	if status == "" {
		status = domain.ContradictionUnresolved
	}
	detected := c.DetectedAt
	if detected.IsZero() {
		detected = time.Now().UTC()
	}
	q := `INSERT INTO contradictions (id, deal_id, finding_a_id, finding_b_id, confidence, reason, status, detected_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (deal_id, LEAST(finding_a_id, finding_b_id), GREATEST(finding_a_id, finding_b_id)) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, id, c.DealID, c.FindingAID, c.FindingBID, c.Confidence, c.Reason, status, detected)
	if err != nil {
		return false, fmt.Errorf("op=contradiction.insert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByDeal returns all contradictions recorded for a deal.
func (r *ContradictionRepo) ListByDeal(ctx domain.Context, dealID string) ([]domain.Contradiction, error) {
	tracer := otel.Tracer("repo.contradictions")
	ctx, span := tracer.Start(ctx, "contradictions.ListByDeal")
	defer span.End()
	q := `SELECT id, deal_id, finding_a_id, finding_b_id, confidence, reason, status, detected_at
	FROM contradictions WHERE deal_id=$1 ORDER BY detected_at DESC`
	rows, err := r.Pool.Query(ctx, q, dealID)
	if err != nil {
		return nil, fmt.Errorf("op=contradiction.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Contradiction
	for rows.Next() {
		var c domain.Contradiction
		if err := rows.Scan(&c.ID, &c.DealID, &c.FindingAID, &c.FindingBID, &c.Confidence, &c.Reason, &c.Status, &c.DetectedAt); err != nil {
			return nil, fmt.Errorf("op=contradiction.list: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=contradiction.list: %w", err)
	}
	return out, nil
}
