package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dealgraph/dealgraph/internal/domain"
)

// ChunkRepo persists and loads document chunks from PostgreSQL.
type ChunkRepo struct{ Pool PgxPool }

// NewChunkRepo constructs a ChunkRepo with the given pool.
func NewChunkRepo(p PgxPool) *ChunkRepo { return &ChunkRepo{Pool: p} }

// ReplaceAndUpdateStatus deletes the document's chunks, inserts the new
// set, and updates the document status in one transaction. A failure at
// any step leaves all prior chunk rows intact.
func (r *ChunkRepo) ReplaceAndUpdateStatus(ctx domain.Context, documentID string, chunks []domain.Chunk, status domain.ProcessingStatus) error {
	tracer := otel.Tracer("repo.chunks")
	ctx, span := tracer.Start(ctx, "chunks.ReplaceAndUpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.Int("chunks.count", len(chunks)),
	)
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=chunk.replace: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("op=chunk.replace: %w", err)
	}
	now := time.Now().UTC()
	insert := `INSERT INTO chunks (id, document_id, chunk_index, content, chunk_type, page_number, sheet_name, cell_reference, token_count, embedding, metadata, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	for _, c := range chunks {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := tx.Exec(ctx, insert, id, documentID, c.ChunkIndex, c.Content, c.ChunkType,
			c.PageNumber, c.SheetName, c.CellReference, c.TokenCount, embeddingValue(c.Embedding),
			metadataJSON(c.Metadata), now); err != nil {
			return fmt.Errorf("op=chunk.replace: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE documents SET processing_status=$2, updated_at=$3 WHERE id=$1`,
		documentID, status, now); err != nil {
		return fmt.Errorf("op=chunk.replace: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=chunk.replace: %w", err)
	}
	return nil
}

// ListByDocument returns all chunks of a document ordered by chunk_index.
func (r *ChunkRepo) ListByDocument(ctx domain.Context, documentID string) ([]domain.Chunk, error) {
	tracer := otel.Tracer("repo.chunks")
	ctx, span := tracer.Start(ctx, "chunks.ListByDocument")
	defer span.End()
	q := `SELECT id, document_id, chunk_index, content, chunk_type, page_number, sheet_name, cell_reference, token_count, embedding, metadata, created_at
	FROM chunks WHERE document_id=$1 ORDER BY chunk_index ASC`
	rows, err := r.Pool.Query(ctx, q, documentID)
	if err != nil {
		return nil, fmt.Errorf("op=chunk.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		var emb *pgvector.Vector
		var meta []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.ChunkType,
			&c.PageNumber, &c.SheetName, &c.CellReference, &c.TokenCount, &emb, &meta, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=chunk.list: %w", err)
		}
		if emb != nil {
			c.Embedding = emb.Slice()
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &c.Metadata)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=chunk.list: %w", err)
	}
	return out, nil
}

// CountByDocument returns the number of stored chunks for a document.
func (r *ChunkRepo) CountByDocument(ctx domain.Context, documentID string) (int, error) {
	tracer := otel.Tracer("repo.chunks")
	ctx, span := tracer.Start(ctx, "chunks.CountByDocument")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks WHERE document_id=$1`, documentID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=chunk.count: %w", err)
	}
	return n, nil
}

// HasTableChunks reports whether any chunk of the document is a table.
func (r *ChunkRepo) HasTableChunks(ctx domain.Context, documentID string) (bool, error) {
	tracer := otel.Tracer("repo.chunks")
	ctx, span := tracer.Start(ctx, "chunks.HasTableChunks")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chunks WHERE document_id=$1 AND chunk_type='table')`, documentID)
	var has bool
	if err := row.Scan(&has); err != nil {
		return false, fmt.Errorf("op=chunk.has_tables: %w", err)
	}
	return has, nil
}

// UpdateEmbeddingsAndStatus stores vectors for the given chunk ids and
// updates the document status in one transaction.
func (r *ChunkRepo) UpdateEmbeddingsAndStatus(ctx domain.Context, documentID string, embeddings map[string][]float32, status domain.ProcessingStatus) error {
	tracer := otel.Tracer("repo.chunks")
	ctx, span := tracer.Start(ctx, "chunks.UpdateEmbeddingsAndStatus")
	defer span.End()
	span.SetAttributes(attribute.Int("embeddings.count", len(embeddings)))
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=chunk.update_embeddings: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for chunkID, vec := range embeddings {
		if _, err := tx.Exec(ctx, `UPDATE chunks SET embedding=$3 WHERE id=$1 AND document_id=$2`,
			chunkID, documentID, embeddingValue(vec)); err != nil {
			return fmt.Errorf("op=chunk.update_embeddings: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE documents SET processing_status=$2, updated_at=$3 WHERE id=$1`,
		documentID, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=chunk.update_embeddings: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=chunk.update_embeddings: %w", err)
	}
	return nil
}

// ClearEmbeddings nulls all embeddings of a document (stage retry reset).
func (r *ChunkRepo) ClearEmbeddings(ctx domain.Context, documentID string) error {
	tracer := otel.Tracer("repo.chunks")
	ctx, span := tracer.Start(ctx, "chunks.ClearEmbeddings")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `UPDATE chunks SET embedding=NULL WHERE document_id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("op=chunk.clear_embeddings: %w", err)
	}
	return nil
}

// DeleteByDocument removes all chunks of a document (stage retry reset).
func (r *ChunkRepo) DeleteByDocument(ctx domain.Context, documentID string) error {
	tracer := otel.Tracer("repo.chunks")
	ctx, span := tracer.Start(ctx, "chunks.DeleteByDocument")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `DELETE FROM chunks WHERE document_id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("op=chunk.delete: %w", err)
	}
	return nil
}

// SearchSimilar runs a cosine-distance search over embedded chunks,
// optionally scoped to a deal and/or a document. Similarity is normalized
// to [0,1] from the pgvector distance.
func (r *ChunkRepo) SearchSimilar(ctx domain.Context, sq domain.SimilarityQuery) ([]domain.SimilarChunk, error) {
	tracer := otel.Tracer("repo.chunks")
	ctx, span := tracer.Start(ctx, "chunks.SearchSimilar")
	defer span.End()
	limit := sq.Limit
	if limit <= 0 {
		limit = 10
	}
	args := []any{pgvector.NewVector(sq.Embedding)}
	q := `SELECT c.id, c.document_id, d.display_name, d.deal_id, c.content, c.chunk_type, c.page_number, c.chunk_index,
		c.embedding <=> $1 AS distance
	FROM chunks c
	JOIN documents d ON d.id = c.document_id
	WHERE c.embedding IS NOT NULL`
	if sq.ProjectID != "" {
		args = append(args, sq.ProjectID)
		q += fmt.Sprintf(" AND d.deal_id=$%d", len(args))
	}
	if sq.DocumentID != "" {
		args = append(args, sq.DocumentID)
		q += fmt.Sprintf(" AND c.document_id=$%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY distance ASC LIMIT $%d", len(args))

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=chunk.search_similar: %w", err)
	}
	defer rows.Close()
	var out []domain.SimilarChunk
	for rows.Next() {
		var sc domain.SimilarChunk
		var distance float64
		if err := rows.Scan(&sc.ChunkID, &sc.DocumentID, &sc.DocumentName, &sc.ProjectID,
			&sc.Content, &sc.ChunkType, &sc.PageNumber, &sc.ChunkIndex, &distance); err != nil {
			return nil, fmt.Errorf("op=chunk.search_similar: %w", err)
		}
		sc.Similarity = similarityFromDistance(distance)
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=chunk.search_similar: %w", err)
	}
	return out, nil
}

// similarityFromDistance maps a cosine distance in [0,2] to [0,1].
func similarityFromDistance(d float64) float64 {
	s := 1 - d/2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func embeddingValue(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	return pgvector.NewVector(vec)
}

func metadataJSON(m map[string]any) []byte {
	if len(m) == 0 {
		return []byte(`{}`)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
