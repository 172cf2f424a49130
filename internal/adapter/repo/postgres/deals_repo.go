package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/dealgraph/dealgraph/internal/domain"
)

// DealRepo persists and loads deals from PostgreSQL.
type DealRepo struct{ Pool PgxPool }

// NewDealRepo constructs a DealRepo with the given pool.
func NewDealRepo(p PgxPool) *DealRepo { return &DealRepo{Pool: p} }

// Create inserts a new deal and returns its id.
func (r *DealRepo) Create(ctx domain.Context, d domain.Deal) (string, error) {
	tracer := otel.Tracer("repo.deals")
	ctx, span := tracer.Start(ctx, "deals.Create")
	defer span.End()
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := d.Status
	if status == "" {
		status = "active"
	}
	q := `INSERT INTO deals (id, organization_id, name, company_name, status, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$6)`
	_, err := r.Pool.Exec(ctx, q, id, d.OrganizationID, d.Name, nullIfEmpty(d.CompanyName), status, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=deal.create: %w", err)
	}
	return id, nil
}

// Get loads a deal by id.
func (r *DealRepo) Get(ctx domain.Context, id string) (domain.Deal, error) {
	tracer := otel.Tracer("repo.deals")
	ctx, span := tracer.Start(ctx, "deals.Get")
	defer span.End()
	q := `SELECT id, organization_id, name, COALESCE(company_name,''), status, created_at, updated_at FROM deals WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var d domain.Deal
	if err := row.Scan(&d.ID, &d.OrganizationID, &d.Name, &d.CompanyName, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Deal{}, fmt.Errorf("op=deal.get: %w", domain.ErrNotFound)
		}
		return domain.Deal{}, fmt.Errorf("op=deal.get: %w", err)
	}
	return d, nil
}

// OrganizationIDFor resolves the owning organization for a deal. Every
// graph namespace and usage record goes through this lookup.
func (r *DealRepo) OrganizationIDFor(ctx domain.Context, dealID string) (string, error) {
	tracer := otel.Tracer("repo.deals")
	ctx, span := tracer.Start(ctx, "deals.OrganizationIDFor")
	defer span.End()
	q := `SELECT organization_id FROM deals WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, dealID)
	var orgID string
	if err := row.Scan(&orgID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=deal.org_for: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=deal.org_for: %w", err)
	}
	return orgID, nil
}

// IDsWithFeedbackSince returns deals with feedback events at or after the
// given time. Used by analyze-feedback-all fan-out.
func (r *DealRepo) IDsWithFeedbackSince(ctx domain.Context, since time.Time) ([]string, error) {
	tracer := otel.Tracer("repo.deals")
	ctx, span := tracer.Start(ctx, "deals.IDsWithFeedbackSince")
	defer span.End()
	q := `SELECT DISTINCT deal_id FROM finding_feedback WHERE created_at >= $1`
	rows, err := r.Pool.Query(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("op=deal.ids_with_feedback: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=deal.ids_with_feedback: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=deal.ids_with_feedback: %w", err)
	}
	return ids, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
