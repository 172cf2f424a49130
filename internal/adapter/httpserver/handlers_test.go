package httpserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealgraph/dealgraph/internal/adapter/httpserver"
	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
	"github.com/dealgraph/dealgraph/internal/pipeline/retry"
	"github.com/dealgraph/dealgraph/internal/usecase"
)

type stubEmbedder struct {
	err error
}

func (s *stubEmbedder) Embed(ctx domain.Context, texts []string) (domain.EmbedResult, error) {
	if s.err != nil {
		return domain.EmbedResult{}, s.err
	}
	return domain.EmbedResult{Vectors: [][]float32{{0.1, 0.2}}, Provider: "voyage", Model: "test"}, nil
}

type stubChunks struct {
	domain.ChunkRepository
	hits []domain.SimilarChunk
	err  error
}

func (s *stubChunks) SearchSimilar(ctx domain.Context, q domain.SimilarityQuery) ([]domain.SimilarChunk, error) {
	return s.hits, s.err
}
func (s *stubChunks) CountByDocument(ctx domain.Context, documentID string) (int, error) {
	return 0, nil
}
func (s *stubChunks) DeleteByDocument(ctx domain.Context, documentID string) error { return nil }
func (s *stubChunks) ClearEmbeddings(ctx domain.Context, documentID string) error  { return nil }

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
	episodes int
	err      error
}

func (s *stubGraph) AddEpisode(ctx domain.Context, e domain.Episode) error {
	if s.err != nil {
		return s.err
	}
	s.episodes++
	return nil
}
func (s *stubGraph) Search(ctx domain.Context, dealID, orgID, query string, n int) ([]domain.GraphSearchResult, error) {
	return nil, nil
}
func (s *stubGraph) Close(ctx domain.Context) error { return nil }

type stubDocs struct {
	docs map[string]*domain.Document
}

func (s *stubDocs) Create(ctx domain.Context, d domain.Document) (string, error) {
	s.docs[d.ID] = &d
	return d.ID, nil
}
func (s *stubDocs) Get(ctx domain.Context, id string) (domain.Document, error) {
	d, ok := s.docs[id]
	if !ok {
		return domain.Document{}, domain.ErrNotFound
	}
	return *d, nil
}
func (s *stubDocs) UpdateProcessingStatus(ctx domain.Context, id string, st domain.ProcessingStatus) error {
	s.docs[id].ProcessingStatus = st
	return nil
}
func (s *stubDocs) SetLastCompletedStage(ctx domain.Context, id string, stage *domain.Stage) error {
	s.docs[id].LastCompletedStage = stage
	return nil
}
func (s *stubDocs) SetProcessingError(ctx domain.Context, id string, ce *domain.ClassifiedError) error {
	s.docs[id].ProcessingError = ce
	return nil
}
func (s *stubDocs) AppendRetryHistory(ctx domain.Context, id string, e domain.RetryHistoryEntry) error {
	s.docs[id].RetryHistory = append([]domain.RetryHistoryEntry{e}, s.docs[id].RetryHistory...)
	return nil
}
func (s *stubDocs) IncrementGraphEpisodes(ctx domain.Context, id string, n int) error { return nil }

type stubFindings struct {
	domain.FindingRepository
}

func (s *stubFindings) DeleteByDocument(ctx domain.Context, documentID string) error { return nil }

type stubQueue struct {
	names []string
	err   error
}

func (q *stubQueue) Enqueue(ctx domain.Context, name string, payload any, opts *domain.JobOptions) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.names = append(q.names, name)
	return "job-1", nil
}

type env struct {
	srv    *httpserver.Server
	router chi.Router
	chunks *stubChunks
	graph  *stubGraph
	docs   *stubDocs
	queue  *stubQueue
	emb    *stubEmbedder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		chunks: &stubChunks{},
		graph:  &stubGraph{},
		docs:   &stubDocs{docs: map[string]*domain.Document{}},
		queue:  &stubQueue{},
		emb:    &stubEmbedder{},
	}
	deals := &stubDeals{orgs: map[string]string{"deal-1": "org-1"}}
	policy := config.RetryPolicy{MaxRetryAttempts: 3, MaxTotalRetryAttempts: 10, ManualRetryCooldown: time.Minute}
	mgr := retry.NewManager(e.docs, e.chunks, &stubFindings{}, policy)
	cfg := config.Config{}
	e.srv = httpserver.NewServer(cfg,
		usecase.NewSearchService(e.emb, e.chunks),
		usecase.NewGraphIngestService(deals, e.graph, nil, cfg),
		usecase.NewDocumentService(deals, e.docs, e.queue, mgr),
	)
	r := chi.NewRouter()
	r.Get("/api/search/similar", e.srv.SearchSimilarHandler())
	r.Post("/api/graphiti/ingest", e.srv.GraphIngestHandler())
	r.Get("/api/documents/{id}/status", e.srv.DocumentStatusHandler())
	r.Post("/api/documents/{id}/retry", e.srv.DocumentRetryHandler())
	r.Post("/api/webhooks/documents", e.srv.DocumentWebhookHandler())
	r.Get("/healthz", e.srv.HealthzHandler())
	r.Get("/readyz", e.srv.ReadyzHandler())
	e.router = r
	return e
}

func (e *env) do(method, target, body string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSearchSimilarReturnsHits(t *testing.T) {
	e := newEnv(t)
	page := 3
	e.chunks.hits = []domain.SimilarChunk{{
		ChunkID: "c-1", DocumentID: "doc-1", DocumentName: "cim.pdf", ProjectID: "deal-1",
		Content: strings.Repeat("x", 400), ChunkType: domain.ChunkTypeText,
		PageNumber: &page, ChunkIndex: 2, Similarity: 0.91,
	}}

	rec := e.do(http.MethodGet, "/api/search/similar?query=revenue&project_id=deal-1&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, float64(1), out["total_results"])
	results := out["results"].([]any)
	first := results[0].(map[string]any)
	assert.Equal(t, "c-1", first["chunk_id"])
	previewText := first["content_preview"].(string)
	assert.Len(t, previewText, 303)
	assert.True(t, strings.HasSuffix(previewText, "..."))
	assert.Equal(t, float64(3), first["page_number"])
	assert.InDelta(t, 0.91, first["similarity"].(float64), 1e-9)
}

func TestSearchSimilarBlankQuery422(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodGet, "/api/search/similar?query=%20%20", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "INVALID_QUERY", out["error"].(map[string]any)["code"])
}

func TestSearchSimilarEmbedFailure503(t *testing.T) {
	e := newEnv(t)
	e.emb.err = domain.ErrUpstreamTimeout
	rec := e.do(http.MethodGet, "/api/search/similar?query=revenue", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGraphIngestSuccess(t *testing.T) {
	e := newEnv(t)
	body := `{"deal_id":"deal-1","content":"The CEO confirmed the Berlin office closes in Q3.","source_type":"correction"}`
	rec := e.do(http.MethodPost, "/api/graphiti/ingest", body)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(1), out["episode_count"])
	assert.Equal(t, 1, e.graph.episodes)
}

func TestGraphIngestUnknownDeal404(t *testing.T) {
	e := newEnv(t)
	body := `{"deal_id":"deal-404","content":"a perfectly long enough statement","source_type":"new_info"}`
	rec := e.do(http.MethodPost, "/api/graphiti/ingest", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGraphIngestGraphFailure500(t *testing.T) {
	e := newEnv(t)
	e.graph.err = domain.ErrGraphUnavailable
	body := `{"deal_id":"deal-1","content":"a perfectly long enough statement","source_type":"new_info"}`
	rec := e.do(http.MethodPost, "/api/graphiti/ingest", body)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "INGEST_FAILED", out["error"].(map[string]any)["code"])
}

func TestGraphIngestMalformedBody400(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodPost, "/api/graphiti/ingest", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocumentStatus(t *testing.T) {
	e := newEnv(t)
	stage := domain.StageParsed
	e.docs.docs["doc-1"] = &domain.Document{
		ID: "doc-1", DealID: "deal-1",
		ProcessingStatus: domain.StatusEmbedding, LastCompletedStage: &stage,
		GraphEpisodeCount: 4,
	}
	rec := e.do(http.MethodGet, "/api/documents/doc-1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "embedding", out["processing_status"])
	assert.Equal(t, "parsed", out["last_completed_stage"])
	assert.Equal(t, float64(4), out["graph_episode_count"])
}

func TestDocumentStatusNotFound(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodGet, "/api/documents/doc-404/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDocumentRetryAccepted202(t *testing.T) {
	e := newEnv(t)
	stage := domain.StageParsed
	e.docs.docs["doc-1"] = &domain.Document{
		ID: "doc-1", DealID: "deal-1",
		ProcessingStatus: domain.StatusEmbeddingFailed, LastCompletedStage: &stage,
	}
	rec := e.do(http.MethodPost, "/api/documents/doc-1/retry", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, true, out["accepted"])
	assert.Equal(t, domain.JobIngestGraph, out["job"])
	assert.Equal(t, []string{domain.JobIngestGraph}, e.queue.names)
}

func TestDocumentRetryDenied429(t *testing.T) {
	e := newEnv(t)
	e.docs.docs["doc-1"] = &domain.Document{
		ID: "doc-1", DealID: "deal-1", ProcessingStatus: domain.StatusParsingFailed,
		RetryHistory: []domain.RetryHistoryEntry{
			{Attempt: 1, Stage: "parsing", Timestamp: time.Now()},
		},
	}
	rec := e.do(http.MethodPost, "/api/documents/doc-1/retry", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, false, out["accepted"])
	assert.Contains(t, out["reason"], "cooldown")
	assert.Empty(t, e.queue.names)
}

func TestDocumentWebhookRegisters(t *testing.T) {
	e := newEnv(t)
	body := `{"deal_id":"deal-1","gcs_path":"gs://dealgraph/deals/deal-1/cim.pdf","mime_type":"application/pdf"}`
	rec := e.do(http.MethodPost, "/api/webhooks/documents", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, []string{domain.JobParseDocument}, e.queue.names)
}

func TestDocumentWebhookUnknownDeal404(t *testing.T) {
	e := newEnv(t)
	body := `{"deal_id":"deal-404","gcs_path":"gs://x/y.pdf"}`
	rec := e.do(http.MethodPost, "/api/webhooks/documents", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReports503OnFailingProbe(t *testing.T) {
	e := newEnv(t)
	e.srv.DBCheck = func(ctx context.Context) error { return nil }
	e.srv.GraphCheck = func(ctx context.Context) error { return domain.ErrGraphUnavailable }
	rec := e.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "ok", out["db"])
	assert.NotEqual(t, "ok", out["graph"])
}

func TestReadyzAllProbesPass(t *testing.T) {
	e := newEnv(t)
	e.srv.DBCheck = func(ctx context.Context) error { return nil }
	e.srv.QueueCheck = func(ctx context.Context) error { return nil }
	rec := e.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
