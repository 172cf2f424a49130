// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dealgraph/dealgraph/internal/domain"
)

// DocumentRepo persists and loads documents using a minimal pgx pool.
type DocumentRepo struct{ Pool PgxPool }

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// NewDocumentRepo constructs a DocumentRepo with the given pool.
func NewDocumentRepo(p PgxPool) *DocumentRepo { return &DocumentRepo{Pool: p} }

const documentColumns = `id, deal_id, blob_path, mime_type, display_name, COALESCE(file_size_bytes,0),
	processing_status, last_completed_stage, processing_error, retry_history, graph_episode_count,
	created_at, updated_at`

// Create stores a new document and returns its id (generates one if empty).
func (r *DocumentRepo) Create(ctx domain.Context, d domain.Document) (string, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "documents"),
	)
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := d.ProcessingStatus
	if status == "" {
		status = domain.StatusPending
	}
	q := `INSERT INTO documents (id, deal_id, blob_path, mime_type, display_name, file_size_bytes, processing_status, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`
	_, err := r.Pool.Exec(ctx, q, id, d.DealID, d.BlobPath, d.MimeType, d.DisplayName, d.FileSizeBytes, status, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=document.create: %w", err)
	}
	return id, nil
}

// Get loads a document by id or returns domain.ErrNotFound.
func (r *DocumentRepo) Get(ctx domain.Context, id string) (domain.Document, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Get")
	defer span.End()
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	d, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Document{}, fmt.Errorf("op=document.get: %w", domain.ErrNotFound)
		}
		return domain.Document{}, fmt.Errorf("op=document.get: %w", err)
	}
	return d, nil
}

func scanDocument(row pgx.Row) (domain.Document, error) {
	var d domain.Document
	var stage *string
	var procErr, history []byte
	if err := row.Scan(&d.ID, &d.DealID, &d.BlobPath, &d.MimeType, &d.DisplayName, &d.FileSizeBytes,
		&d.ProcessingStatus, &stage, &procErr, &history, &d.GraphEpisodeCount,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return domain.Document{}, err
	}
	if stage != nil {
		s := domain.Stage(*stage)
		d.LastCompletedStage = &s
	}
	if len(procErr) > 0 {
		var ce domain.ClassifiedError
		if err := json.Unmarshal(procErr, &ce); err == nil {
			d.ProcessingError = &ce
		}
	}
	if len(history) > 0 {
		// Corrupt history is treated as empty rather than failing the read.
		_ = json.Unmarshal(history, &d.RetryHistory)
	}
	return d, nil
}

// UpdateProcessingStatus sets the coarse status of a document.
func (r *DocumentRepo) UpdateProcessingStatus(ctx domain.Context, id string, status domain.ProcessingStatus) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.UpdateProcessingStatus")
	defer span.End()
	q := `UPDATE documents SET processing_status=$2, updated_at=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=document.update_status: %w", err)
	}
	return nil
}

// SetLastCompletedStage moves the fine stage cursor; nil resets it.
func (r *DocumentRepo) SetLastCompletedStage(ctx domain.Context, id string, stage *domain.Stage) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.SetLastCompletedStage")
	defer span.End()
	var val *string
	if stage != nil {
		s := string(*stage)
		val = &s
	}
	q := `UPDATE documents SET last_completed_stage=$2, updated_at=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, val, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=document.set_stage: %w", err)
	}
	return nil
}

// SetProcessingError stores the structured error; nil clears the column.
func (r *DocumentRepo) SetProcessingError(ctx domain.Context, id string, ce *domain.ClassifiedError) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.SetProcessingError")
	defer span.End()
	var payload []byte
	if ce != nil {
		b, err := json.Marshal(ce)
		if err != nil {
			return fmt.Errorf("op=document.set_error: %w", err)
		}
		payload = b
	}
	q := `UPDATE documents SET processing_error=$2, updated_at=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=document.set_error: %w", err)
	}
	return nil
}

// AppendRetryHistory prepends an entry and trims the list to the newest
// MaxRetryHistoryEntries, all in one statement.
func (r *DocumentRepo) AppendRetryHistory(ctx domain.Context, id string, entry domain.RetryHistoryEntry) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.AppendRetryHistory")
	defer span.End()
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=document.append_retry: %w", err)
	}
	q := `UPDATE documents SET retry_history = (
		SELECT COALESCE(jsonb_agg(elem), '[]'::jsonb)
		FROM (
			SELECT elem
			FROM jsonb_array_elements(jsonb_build_array($2::jsonb) || COALESCE(retry_history, '[]'::jsonb))
				WITH ORDINALITY AS t(elem, ord)
			ORDER BY ord
			LIMIT $3
		) newest
	), updated_at=$4 WHERE id=$1`
	_, err = r.Pool.Exec(ctx, q, id, b, domain.MaxRetryHistoryEntries, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=document.append_retry: %w", err)
	}
	return nil
}

// IncrementGraphEpisodes bumps the episode counter after graph writes.
func (r *DocumentRepo) IncrementGraphEpisodes(ctx domain.Context, id string, n int) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.IncrementGraphEpisodes")
	defer span.End()
	q := `UPDATE documents SET graph_episode_count = graph_episode_count + $2, updated_at=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, n, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=document.increment_episodes: %w", err)
	}
	return nil
}
