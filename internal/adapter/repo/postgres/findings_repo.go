package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dealgraph/dealgraph/internal/domain"
)

// FindingRepo persists and loads findings from PostgreSQL.
type FindingRepo struct{ Pool PgxPool }

// NewFindingRepo constructs a FindingRepo with the given pool.
func NewFindingRepo(p PgxPool) *FindingRepo { return &FindingRepo{Pool: p} }

const findingColumns = `id, deal_id, document_id, chunk_id, text, finding_type, domain, confidence, status, metadata, created_at`

// StoreAndUpdateStatus inserts findings and updates the document status in
// one transaction.
func (r *FindingRepo) StoreAndUpdateStatus(ctx domain.Context, documentID string, findings []domain.Finding, status domain.ProcessingStatus) error {
	tracer := otel.Tracer("repo.findings")
	ctx, span := tracer.Start(ctx, "findings.StoreAndUpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.Int("findings.count", len(findings)),
	)
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=finding.store: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	insert := `INSERT INTO findings (id, deal_id, document_id, chunk_id, text, finding_type, domain, confidence, status, metadata, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	for _, f := range findings {
		id := f.ID
		if id == "" {
			id = uuid.New().String()
		}
		st := f.Status
		if st == "" {
			st = domain.FindingPending
		}
		if _, err := tx.Exec(ctx, insert, id, f.DealID, f.DocumentID, f.ChunkID, f.Text,
			f.FindingType, f.Domain, f.Confidence, st, metadataJSON(f.Metadata), now); err != nil {
			return fmt.Errorf("op=finding.store: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE documents SET processing_status=$2, updated_at=$3 WHERE id=$1`,
		documentID, status, now); err != nil {
		return fmt.Errorf("op=finding.store: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=finding.store: %w", err)
	}
	return nil
}

// ListByDeal returns findings for a deal, optionally excluding rejected
// ones (the contradiction detector never looks at rejected findings).
func (r *FindingRepo) ListByDeal(ctx domain.Context, dealID string, excludeRejected bool) ([]domain.Finding, error) {
	tracer := otel.Tracer("repo.findings")
	ctx, span := tracer.Start(ctx, "findings.ListByDeal")
	defer span.End()
	q := `SELECT ` + findingColumns + ` FROM findings WHERE deal_id=$1`
	if excludeRejected {
		q += ` AND status <> 'rejected'`
	}
	q += ` ORDER BY confidence DESC, created_at ASC`
	rows, err := r.Pool.Query(ctx, q, dealID)
	if err != nil {
		return nil, fmt.Errorf("op=finding.list_by_deal: %w", err)
	}
	defer rows.Close()
	return scanFindings(rows, "op=finding.list_by_deal")
}

// ListByDocument returns all findings of a document.
func (r *FindingRepo) ListByDocument(ctx domain.Context, documentID string) ([]domain.Finding, error) {
	tracer := otel.Tracer("repo.findings")
	ctx, span := tracer.Start(ctx, "findings.ListByDocument")
	defer span.End()
	q := `SELECT ` + findingColumns + ` FROM findings WHERE document_id=$1 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, documentID)
	if err != nil {
		return nil, fmt.Errorf("op=finding.list_by_document: %w", err)
	}
	defer rows.Close()
	return scanFindings(rows, "op=finding.list_by_document")
}

// DeleteByDocument removes all findings of a document (stage retry reset).
func (r *FindingRepo) DeleteByDocument(ctx domain.Context, documentID string) error {
	tracer := otel.Tracer("repo.findings")
	ctx, span := tracer.Start(ctx, "findings.DeleteByDocument")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `DELETE FROM findings WHERE document_id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("op=finding.delete: %w", err)
	}
	return nil
}

func scanFindings(rows pgx.Rows, op string) ([]domain.Finding, error) {
	var out []domain.Finding
	for rows.Next() {
		var f domain.Finding
		var meta []byte
		if err := rows.Scan(&f.ID, &f.DealID, &f.DocumentID, &f.ChunkID, &f.Text,
			&f.FindingType, &f.Domain, &f.Confidence, &f.Status, &meta, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &f.Metadata)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
