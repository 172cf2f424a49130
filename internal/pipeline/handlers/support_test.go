package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dealgraph/dealgraph/internal/chunk"
	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
	"github.com/dealgraph/dealgraph/internal/extract/financial"
	"github.com/dealgraph/dealgraph/internal/pipeline/handlers"
	"github.com/dealgraph/dealgraph/internal/pipeline/retry"
)

var testClock = func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC) }

// --- fakes ---

type fakeDeals struct {
	orgs     map[string]string
	feedback []string
}

func (f *fakeDeals) Create(ctx domain.Context, d domain.Deal) (string, error) { return d.ID, nil }
func (f *fakeDeals) Get(ctx domain.Context, id string) (domain.Deal, error) {
	org, ok := f.orgs[id]
	if !ok {
		return domain.Deal{}, domain.ErrNotFound
	}
	return domain.Deal{ID: id, OrganizationID: org}, nil
}
func (f *fakeDeals) OrganizationIDFor(ctx domain.Context, dealID string) (string, error) {
	org, ok := f.orgs[dealID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return org, nil
}
func (f *fakeDeals) IDsWithFeedbackSince(ctx domain.Context, since time.Time) ([]string, error) {
	return f.feedback, nil
}

type fakeDocs struct {
	mu       sync.Mutex
	docs     map[string]*domain.Document
	statuses []domain.ProcessingStatus
	episodes int
}

func (f *fakeDocs) Create(ctx domain.Context, d domain.Document) (string, error) {
	f.docs[d.ID] = &d
	return d.ID, nil
}
func (f *fakeDocs) Get(ctx domain.Context, id string) (domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return domain.Document{}, domain.ErrNotFound
	}
	return *d, nil
}
func (f *fakeDocs) UpdateProcessingStatus(ctx domain.Context, id string, s domain.ProcessingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.ProcessingStatus = s
	f.statuses = append(f.statuses, s)
	return nil
}
func (f *fakeDocs) SetLastCompletedStage(ctx domain.Context, id string, stage *domain.Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.LastCompletedStage = stage
	return nil
}
func (f *fakeDocs) SetProcessingError(ctx domain.Context, id string, ce *domain.ClassifiedError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.ProcessingError = ce
	return nil
}
func (f *fakeDocs) AppendRetryHistory(ctx domain.Context, id string, e domain.RetryHistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.RetryHistory = append([]domain.RetryHistoryEntry{e}, d.RetryHistory...)
	return nil
}
func (f *fakeDocs) IncrementGraphEpisodes(ctx domain.Context, id string, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.episodes += n
	return nil
}

type fakeChunks struct {
	chunks     map[string][]domain.Chunk
	embeddings map[string][]float32
	hasTables  bool
	cleared    bool
}

func (f *fakeChunks) ReplaceAndUpdateStatus(ctx domain.Context, documentID string, chunks []domain.Chunk, status domain.ProcessingStatus) error {
	f.chunks[documentID] = chunks
	return nil
}
func (f *fakeChunks) ListByDocument(ctx domain.Context, documentID string) ([]domain.Chunk, error) {
	return f.chunks[documentID], nil
}
func (f *fakeChunks) CountByDocument(ctx domain.Context, documentID string) (int, error) {
	return len(f.chunks[documentID]), nil
}
func (f *fakeChunks) HasTableChunks(ctx domain.Context, documentID string) (bool, error) {
	return f.hasTables, nil
}
func (f *fakeChunks) UpdateEmbeddingsAndStatus(ctx domain.Context, documentID string, embeddings map[string][]float32, status domain.ProcessingStatus) error {
	if f.embeddings == nil {
		f.embeddings = map[string][]float32{}
	}
	for id, v := range embeddings {
		f.embeddings[id] = v
	}
	return nil
}
func (f *fakeChunks) ClearEmbeddings(ctx domain.Context, documentID string) error {
	f.cleared = true
	f.embeddings = nil
	return nil
}
func (f *fakeChunks) DeleteByDocument(ctx domain.Context, documentID string) error {
	delete(f.chunks, documentID)
	return nil
}
func (f *fakeChunks) SearchSimilar(ctx domain.Context, q domain.SimilarityQuery) ([]domain.SimilarChunk, error) {
	return nil, nil
}

type fakeFindings struct {
	byDeal map[string][]domain.Finding
	stored []domain.Finding
}

func (f *fakeFindings) StoreAndUpdateStatus(ctx domain.Context, documentID string, findings []domain.Finding, status domain.ProcessingStatus) error {
	f.stored = findings
	return nil
}
func (f *fakeFindings) ListByDeal(ctx domain.Context, dealID string, excludeRejected bool) ([]domain.Finding, error) {
	var out []domain.Finding
	for _, fd := range f.byDeal[dealID] {
		if excludeRejected && fd.Status == domain.FindingRejected {
			continue
		}
		out = append(out, fd)
	}
	return out, nil
}
func (f *fakeFindings) ListByDocument(ctx domain.Context, documentID string) ([]domain.Finding, error) {
	return f.stored, nil
}
func (f *fakeFindings) DeleteByDocument(ctx domain.Context, documentID string) error {
	f.stored = nil
	return nil
}

type fakeMetrics struct {
	created []domain.FinancialMetric
}

func (f *fakeMetrics) CreateBatch(ctx domain.Context, metrics []domain.FinancialMetric) error {
	f.created = append(f.created, metrics...)
	return nil
}
func (f *fakeMetrics) ListByDocument(ctx domain.Context, documentID string) ([]domain.FinancialMetric, error) {
	return f.created, nil
}

type fakeContradictions struct {
	rows []domain.Contradiction
}

func (f *fakeContradictions) Insert(ctx domain.Context, c domain.Contradiction) (bool, error) {
	for _, r := range f.rows {
		same := (r.FindingAID == c.FindingAID && r.FindingBID == c.FindingBID) ||
			(r.FindingAID == c.FindingBID && r.FindingBID == c.FindingAID)
		if r.DealID == c.DealID && same {
			return false, nil
		}
	}
	f.rows = append(f.rows, c)
	return true, nil
}
func (f *fakeContradictions) ListByDeal(ctx domain.Context, dealID string) ([]domain.Contradiction, error) {
	return f.rows, nil
}

type fakeFeedback struct {
	events  []domain.FeedbackEvent
	reports []domain.FeedbackReport
}

func (f *fakeFeedback) RecordEvent(ctx domain.Context, e domain.FeedbackEvent) (string, error) {
	f.events = append(f.events, e)
	return e.ID, nil
}
func (f *fakeFeedback) ListEventsSince(ctx domain.Context, dealID string, since time.Time) ([]domain.FeedbackEvent, error) {
	var out []domain.FeedbackEvent
	for _, e := range f.events {
		if e.DealID == dealID && !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}
func (f *fakeFeedback) UpsertReport(ctx domain.Context, r domain.FeedbackReport) error {
	for i, existing := range f.reports {
		if existing.DealID == r.DealID && existing.AnalysisDate.Equal(r.AnalysisDate) {
			f.reports[i] = r
			return nil
		}
	}
	f.reports = append(f.reports, r)
	return nil
}
func (f *fakeFeedback) GetReport(ctx domain.Context, dealID string, analysisDate time.Time) (domain.FeedbackReport, error) {
	for _, r := range f.reports {
		if r.DealID == dealID && r.AnalysisDate.Equal(analysisDate) {
			return r, nil
		}
	}
	return domain.FeedbackReport{}, domain.ErrNotFound
}

type enqueued struct {
	name    string
	payload json.RawMessage
}

type fakeQueue struct {
	jobs []enqueued
	err  error
}

func (f *fakeQueue) Enqueue(ctx domain.Context, name string, payload any, opts *domain.JobOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	data, _ := json.Marshal(payload)
	f.jobs = append(f.jobs, enqueued{name: name, payload: data})
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

func (f *fakeQueue) names() []string {
	out := make([]string, len(f.jobs))
	for i, j := range f.jobs {
		out[i] = j.name
	}
	return out
}

type fakeLLM struct {
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (f *fakeLLM) Generate(ctx domain.Context, req domain.LLMRequest) (domain.LLMResponse, error) {
	f.calls++
	f.prompts = append(f.prompts, req.Prompt)
	if f.err != nil {
		return domain.LLMResponse{}, f.err
	}
	text := "[]"
	if len(f.responses) > 0 {
		text = f.responses[0]
		if len(f.responses) > 1 {
			f.responses = f.responses[1:]
		}
	}
	return domain.LLMResponse{Text: text, Provider: "gemini", Model: "test", Usage: domain.TokenUsage{InputTokens: 10, OutputTokens: 5}}, nil
}

type fakeEmbedder struct {
	err   error
	calls int
	short bool
}

func (f *fakeEmbedder) Embed(ctx domain.Context, texts []string) (domain.EmbedResult, error) {
	f.calls++
	if f.err != nil {
		return domain.EmbedResult{}, f.err
	}
	n := len(texts)
	if f.short && n > 0 {
		n--
	}
	vectors := make([][]float32, n)
	for i := range vectors {
		vectors[i] = []float32{0.1, 0.2, 0.3}
	}
	return domain.EmbedResult{Vectors: vectors, Provider: "voyage", Model: "test-embed", InputTokens: 7 * len(texts)}, nil
}

type fakeGraph struct {
	episodes []domain.Episode
	err      error
}

func (f *fakeGraph) AddEpisode(ctx domain.Context, e domain.Episode) error {
	if f.err != nil {
		return f.err
	}
	f.episodes = append(f.episodes, e)
	return nil
}
func (f *fakeGraph) Search(ctx domain.Context, dealID, orgID, query string, numResults int) ([]domain.GraphSearchResult, error) {
	return nil, nil
}
func (f *fakeGraph) Close(ctx domain.Context) error { return nil }

type fakeEvents struct {
	published []domain.Event
}

func (f *fakeEvents) Publish(ctx domain.Context, e domain.Event) error {
	f.published = append(f.published, e)
	return nil
}

type fakeBlobs struct {
	files map[string][]byte
}

func (f *fakeBlobs) Download(ctx domain.Context, path string) (io.ReadCloser, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeParser struct {
	result domain.ParseResult
	err    error
}

func (f *fakeParser) Parse(ctx domain.Context, req domain.ParseRequest) (domain.ParseResult, error) {
	if f.err != nil {
		return domain.ParseResult{}, f.err
	}
	return f.result, nil
}

type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func chunkerFor(cfg config.Config) *chunk.Chunker {
	return chunk.New(wordCounter{}, cfg.GetChunkingPolicy())
}

func detectorFor(cfg config.Config) *financial.Detector {
	return financial.NewDetector(cfg.FinancialDetectionThreshold)
}

// --- fixture ---

type fixture struct {
	deps           *handlers.Deps
	deals          *fakeDeals
	docs           *fakeDocs
	chunks         *fakeChunks
	findings       *fakeFindings
	metrics        *fakeMetrics
	contradictions *fakeContradictions
	feedback       *fakeFeedback
	queue          *fakeQueue
	llm            *fakeLLM
	embedder       *fakeEmbedder
	graph          *fakeGraph
	blobs          *fakeBlobs
	parser         *fakeParser
}

func newFixture() *fixture {
	cfg := config.Config{
		AnalyzeBatchSize:                 5,
		ContradictionBatchSize:           5,
		ContradictionConfidenceThreshold: 0.70,
		MaxFindingsPerDomain:             100,
		FinancialDetectionThreshold:      30,
		FeedbackPeriodDays:               30,
		FeedbackMinSampleSize:            10,
		ChunkMinTokens:                   5,
		ChunkMaxTokens:                   200,
		ChunkOverlapTokens:               2,
		MaxRetryAttempts:                 3,
		MaxTotalRetryAttempts:            10,
	}
	f := &fixture{
		deals:          &fakeDeals{orgs: map[string]string{"deal-1": "org-1"}},
		docs:           &fakeDocs{docs: map[string]*domain.Document{}},
		chunks:         &fakeChunks{chunks: map[string][]domain.Chunk{}},
		findings:       &fakeFindings{byDeal: map[string][]domain.Finding{}},
		metrics:        &fakeMetrics{},
		contradictions: &fakeContradictions{},
		feedback:       &fakeFeedback{},
		queue:          &fakeQueue{},
		llm:            &fakeLLM{},
		embedder:       &fakeEmbedder{},
		graph:          &fakeGraph{},
		blobs:          &fakeBlobs{files: map[string][]byte{}},
		parser:         &fakeParser{},
	}
	mgr := retry.NewManager(f.docs, f.chunks, f.findings, cfg.GetRetryPolicy()).WithClock(testClock)
	deps := &handlers.Deps{
		Deals:          f.deals,
		Docs:           f.docs,
		Chunks:         f.chunks,
		Findings:       f.findings,
		Metrics:        f.metrics,
		Contradictions: f.contradictions,
		Feedback:       f.feedback,
		Queue:          f.queue,
		Retry:          mgr,
		LLM:            f.llm,
		Embedder:       f.embedder,
		Graph:          f.graph,
		Blobs:          f.blobs,
		Parser:         f.parser,
		Chunker:        chunkerFor(cfg),
		Detector:       detectorFor(cfg),
		Cfg:            cfg,
	}
	f.deps = deps.WithClock(testClock)
	return f
}

func (f *fixture) addDocument(id, dealID, mime string, status domain.ProcessingStatus) {
	f.docs.docs[id] = &domain.Document{
		ID:               id,
		DealID:           dealID,
		BlobPath:         "deals/" + dealID + "/" + id + ".bin",
		MimeType:         mime,
		DisplayName:      id + ".bin",
		ProcessingStatus: status,
	}
}

func (f *fixture) addChunk(docID string, index int, content string, ct domain.ChunkType) domain.Chunk {
	c := domain.Chunk{
		ID:         fmt.Sprintf("chunk-%s-%d", docID, index),
		DocumentID: docID,
		ChunkIndex: index,
		Content:    content,
		ChunkType:  ct,
		TokenCount: len(strings.Fields(content)),
	}
	f.chunks.chunks[docID] = append(f.chunks.chunks[docID], c)
	return c
}

func jobFor(name string, payload any) domain.Job {
	data, _ := json.Marshal(payload)
	return domain.Job{ID: "job-1", Name: name, Data: data}
}
