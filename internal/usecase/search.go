// Package usecase holds the request-scoped application services behind
// the HTTP surface: similarity search, manual graph ingestion, and
// document status/retry operations. Pipeline stages live in
// internal/pipeline; these services cover the synchronous paths.
package usecase

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/dealgraph/dealgraph/internal/domain"
)

const defaultSearchLimit = 10

// SearchService answers similarity queries over stored chunk embeddings.
type SearchService struct {
	Embedder domain.Embedder
	Chunks   domain.ChunkRepository
}

// NewSearchService constructs a SearchService.
func NewSearchService(e domain.Embedder, c domain.ChunkRepository) SearchService {
	return SearchService{Embedder: e, Chunks: c}
}

// SearchInput scopes one similarity query. ProjectID narrows to a deal,
// DocumentID to one document; both are optional.
type SearchInput struct {
	Query      string
	ProjectID  string
	DocumentID string
	Limit      int
}

// SimilarChunks embeds the query and returns the nearest chunks with
// similarity normalized to [0,1].
func (s SearchService) SimilarChunks(ctx domain.Context, in SearchInput) ([]domain.SimilarChunk, error) {
	ctx, span := otel.Tracer("usecase").Start(ctx, "SearchService.SimilarChunks")
	defer span.End()

	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, fmt.Errorf("op=search.similar: blank query: %w", domain.ErrInvalidArgument)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > 100 {
		limit = 100
	}

	result, err := s.Embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("op=search.embed: %w", err)
	}
	if len(result.Vectors) != 1 {
		return nil, fmt.Errorf("op=search.embed: got %d vectors for one query: %w",
			len(result.Vectors), domain.ErrSchemaInvalid)
	}

	hits, err := s.Chunks.SearchSimilar(ctx, domain.SimilarityQuery{
		Embedding:  result.Vectors[0],
		ProjectID:  in.ProjectID,
		DocumentID: in.DocumentID,
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("op=search.similar: %w", err)
	}
	for i := range hits {
		hits[i].Similarity = clampUnit(hits[i].Similarity)
	}
	return hits, nil
}

func clampUnit(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
