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

// OrgRepo persists and loads organizations from PostgreSQL.
type OrgRepo struct{ Pool PgxPool }

// NewOrgRepo constructs an OrgRepo with the given pool.
func NewOrgRepo(p PgxPool) *OrgRepo { return &OrgRepo{Pool: p} }

// Create inserts a new organization and returns its id.
func (r *OrgRepo) Create(ctx domain.Context, o domain.Organization) (string, error) {
	tracer := otel.Tracer("repo.organizations")
	ctx, span := tracer.Start(ctx, "organizations.Create")
	defer span.End()
	id := o.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO organizations (id, name, created_at) VALUES ($1,$2,$3)`
	_, err := r.Pool.Exec(ctx, q, id, o.Name, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=organization.create: %w", err)
	}
	return id, nil
}

// Get loads an organization by id.
func (r *OrgRepo) Get(ctx domain.Context, id string) (domain.Organization, error) {
	tracer := otel.Tracer("repo.organizations")
	ctx, span := tracer.Start(ctx, "organizations.Get")
	defer span.End()
	q := `SELECT id, name, created_at FROM organizations WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var o domain.Organization
	if err := row.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Organization{}, fmt.Errorf("op=organization.get: %w", domain.ErrNotFound)
		}
		return domain.Organization{}, fmt.Errorf("op=organization.get: %w", err)
	}
	return o, nil
}
