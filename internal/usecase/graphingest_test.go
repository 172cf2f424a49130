package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
	"github.com/dealgraph/dealgraph/internal/usecase"
)

type stubDeals struct {
	orgs map[string]string
}

func (s *stubDeals) Create(ctx domain.Context, d domain.Deal) (string, error) { return d.ID, nil }
func (s *stubDeals) Get(ctx domain.Context, id string) (domain.Deal, error) {
	org, ok := s.orgs[id]
	if !ok {
		return domain.Deal{}, domain.ErrNotFound
	}
	return domain.Deal{ID: id, OrganizationID: org}, nil
}
func (s *stubDeals) OrganizationIDFor(ctx domain.Context, dealID string) (string, error) {
	org, ok := s.orgs[dealID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return org, nil
}
func (s *stubDeals) IDsWithFeedbackSince(ctx domain.Context, since time.Time) ([]string, error) {
	return nil, nil
}

type stubGraph struct {
	episodes []domain.Episode
	err      error
}

func (s *stubGraph) AddEpisode(ctx domain.Context, e domain.Episode) error {
	if s.err != nil {
		return s.err
	}
	s.episodes = append(s.episodes, e)
	return nil
}
func (s *stubGraph) Search(ctx domain.Context, dealID, orgID, query string, n int) ([]domain.GraphSearchResult, error) {
	return nil, nil
}
func (s *stubGraph) Close(ctx domain.Context) error { return nil }

func ingestService(graph *stubGraph) usecase.GraphIngestService {
	deals := &stubDeals{orgs: map[string]string{"deal-1": "org-1"}}
	return usecase.NewGraphIngestService(deals, graph, nil, config.Config{})
}

func TestGraphIngestWritesEpisodeWithSourceTypeConfidence(t *testing.T) {
	cases := []struct {
		sourceType string
		confidence float64
	}{
		{"correction", domain.QAConfidence},
		{"confirmation", domain.ChatConfidence},
		{"new_info", domain.DocumentConfidence},
	}
	for _, tc := range cases {
		t.Run(tc.sourceType, func(t *testing.T) {
			graph := &stubGraph{}
			svc := ingestService(graph)

			out, err := svc.Ingest(context.Background(), usecase.GraphIngestInput{
				DealID:     "deal-1",
				Content:    "The CEO confirmed the Berlin office closes in Q3.",
				SourceType: tc.sourceType,
			})
			require.NoError(t, err)
			assert.Equal(t, 1, out.EpisodeCount)

			require.Len(t, graph.episodes, 1)
			e := graph.episodes[0]
			assert.Equal(t, "org-1", e.OrganizationID)
			assert.InDelta(t, tc.confidence, e.Confidence, 1e-9)
			assert.Contains(t, e.SourceDescription, "manual "+tc.sourceType)
		})
	}
}

func TestGraphIngestRejectsShortContent(t *testing.T) {
	svc := ingestService(&stubGraph{})
	_, err := svc.Ingest(context.Background(), usecase.GraphIngestInput{
		DealID: "deal-1", Content: "too short", SourceType: "correction",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestGraphIngestRejectsUnknownSourceType(t *testing.T) {
	svc := ingestService(&stubGraph{})
	_, err := svc.Ingest(context.Background(), usecase.GraphIngestInput{
		DealID: "deal-1", Content: "a perfectly long enough statement", SourceType: "rumor",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestGraphIngestUnknownDealNotFound(t *testing.T) {
	svc := ingestService(&stubGraph{})
	_, err := svc.Ingest(context.Background(), usecase.GraphIngestInput{
		DealID: "deal-404", Content: "a perfectly long enough statement", SourceType: "new_info",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGraphIngestGraphFailurePropagates(t *testing.T) {
	svc := ingestService(&stubGraph{err: domain.ErrGraphUnavailable})
	_, err := svc.Ingest(context.Background(), usecase.GraphIngestInput{
		DealID: "deal-1", Content: "a perfectly long enough statement", SourceType: "new_info",
	})
	assert.ErrorIs(t, err, domain.ErrGraphUnavailable)
}

func TestGraphIngestCostEstimateUsesCatalog(t *testing.T) {
	catalog, err := config.LoadModelCatalog()
	require.NoError(t, err)
	deals := &stubDeals{orgs: map[string]string{"deal-1": "org-1"}}
	graph := &stubGraph{}
	svc := usecase.NewGraphIngestService(deals, graph, catalog, config.Config{GeminiLiteModel: "gemini-2.0-flash-lite"})

	out, ierr := svc.Ingest(context.Background(), usecase.GraphIngestInput{
		DealID: "deal-1", Content: "The company reported forty five employees in the Berlin office as of March.",
		SourceType: "new_info",
	})
	require.NoError(t, ierr)
	assert.GreaterOrEqual(t, out.EstimatedCostUSD, 0.0)
}
