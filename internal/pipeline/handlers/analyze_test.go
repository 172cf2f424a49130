package handlers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealgraph/dealgraph/internal/domain"
)

const typedFindings = `[
  {"text": "Revenue was $5M in FY2023.", "finding_type": "metric", "domain": "financial",
   "confidence": 0.9, "source_chunk_index": 0, "date_referenced": "FY2023"},
  {"text": "Key-person risk around the founding CTO.", "finding_type": "risk",
   "domain": "operational", "confidence": 0.7, "source_chunk_index": 1}
]`

func TestHandleAnalyzeDocumentTypedModeCompletesNonFinancialDocument(t *testing.T) {
	f := newFixture()
	f.addDocument("doc-1", "deal-1", "application/pdf", domain.StatusGraphIngested)
	f.addChunk("doc-1", 0, "Revenue was $5M in FY2023.", domain.ChunkTypeText)
	f.addChunk("doc-1", 1, "The founding CTO holds all infrastructure knowledge.", domain.ChunkTypeText)
	f.llm.responses = []string{typedFindings}
	events := &fakeEvents{}
	f.deps.Events = events

	out, err := f.deps.HandleAnalyzeDocument(context.Background(),
		jobFor(domain.JobAnalyzeDocument, domain.AnalyzeDocumentPayload{DocumentID: "doc-1", DealID: "deal-1"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"findings": 2}, out)
	assert.Equal(t, 1, f.llm.calls)

	require.Len(t, f.findings.stored, 2)
	first := f.findings.stored[0]
	assert.Equal(t, domain.FindingMetric, first.FindingType)
	assert.Equal(t, domain.DomainFinancial, first.Domain)
	require.NotNil(t, first.ChunkID)
	assert.Equal(t, "chunk-doc-1-0", *first.ChunkID)
	assert.Equal(t, "FY2023", first.Metadata["date_referenced"])

	doc, _ := f.docs.Get(context.Background(), "doc-1")
	assert.Equal(t, domain.StatusComplete, doc.ProcessingStatus)
	require.NotNil(t, doc.LastCompletedStage)
	assert.Equal(t, domain.StageComplete, *doc.LastCompletedStage)

	assert.Equal(t, []string{domain.JobDetectContradictions}, f.queue.names())
	require.Len(t, events.published, 1)
	assert.Equal(t, domain.EventDocumentCompleted, events.published[0].Type)

	// Findings mirrored into the graph.
	assert.Len(t, f.graph.episodes, 2)
}

func TestHandleAnalyzeDocumentSpreadsheetBranchesToFinancials(t *testing.T) {
	f := newFixture()
	f.addDocument("doc-1", "deal-1",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", domain.StatusGraphIngested)
	f.addChunk("doc-1", 0, "| Metric | 2023A |\n| Revenue | 5,000,000 |", domain.ChunkTypeTable)
	f.llm.responses = []string{`[{"text": "Revenue of 5M", "finding_type": "metric", "domain": "financial", "confidence": 0.8}]`}

	_, err := f.deps.HandleAnalyzeDocument(context.Background(),
		jobFor(domain.JobAnalyzeDocument, domain.AnalyzeDocumentPayload{DocumentID: "doc-1", DealID: "deal-1"}))
	require.NoError(t, err)

	assert.Equal(t, []string{domain.JobExtractFinancials, domain.JobDetectContradictions}, f.queue.names())

	doc, _ := f.docs.Get(context.Background(), "doc-1")
	assert.Equal(t, domain.StatusAnalyzed, doc.ProcessingStatus)
}

func TestHandleAnalyzeDocumentTablePDFBranchesToFinancials(t *testing.T) {
	f := newFixture()
	f.addDocument("doc-1", "deal-1", "application/pdf", domain.StatusGraphIngested)
	f.addChunk("doc-1", 0, "| Revenue | 5M |", domain.ChunkTypeTable)
	f.chunks.hasTables = true
	f.llm.responses = []string{`[]`}

	_, err := f.deps.HandleAnalyzeDocument(context.Background(),
		jobFor(domain.JobAnalyzeDocument, domain.AnalyzeDocumentPayload{DocumentID: "doc-1", DealID: "deal-1"}))
	require.NoError(t, err)
	assert.Contains(t, f.queue.names(), domain.JobExtractFinancials)
}

func TestHandleAnalyzeDocumentFallsBackToBatchMode(t *testing.T) {
	f := newFixture()
	f.addDocument("doc-1", "deal-1", "application/pdf", domain.StatusGraphIngested)
	for i := 0; i < 7; i++ {
		f.addChunk("doc-1", i, "chunk content", domain.ChunkTypeText)
	}
	// Typed response is not valid JSON; both fallback batches succeed.
	f.llm.responses = []string{
		"I found several interesting things in this document.",
		`[{"text": "finding one", "finding_type": "fact", "domain": "general", "confidence": 0.6}]`,
		`[{"text": "finding two", "finding_type": "fact", "domain": "general", "confidence": 0.5}]`,
	}

	out, err := f.deps.HandleAnalyzeDocument(context.Background(),
		jobFor(domain.JobAnalyzeDocument, domain.AnalyzeDocumentPayload{DocumentID: "doc-1", DealID: "deal-1"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"findings": 2}, out)
	// One typed call plus two batches of five.
	assert.Equal(t, 3, f.llm.calls)
}

func TestHandleAnalyzeDocumentAllBatchesFailingFailsStage(t *testing.T) {
	f := newFixture()
	f.addDocument("doc-1", "deal-1", "application/pdf", domain.StatusGraphIngested)
	f.addChunk("doc-1", 0, "chunk content", domain.ChunkTypeText)
	f.llm.err = domain.ErrUpstreamTimeout

	_, err := f.deps.HandleAnalyzeDocument(context.Background(),
		jobFor(domain.JobAnalyzeDocument, domain.AnalyzeDocumentPayload{DocumentID: "doc-1", DealID: "deal-1"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamTimeout)

	doc, _ := f.docs.Get(context.Background(), "doc-1")
	require.NotNil(t, doc.ProcessingError)
	assert.Equal(t, domain.ErrorTransient, doc.ProcessingError.Category)
}

func TestHandleAnalyzeDocumentUnknownEnumsDegradeToDefaults(t *testing.T) {
	f := newFixture()
	f.addDocument("doc-1", "deal-1", "application/pdf", domain.StatusGraphIngested)
	f.addChunk("doc-1", 0, "content", domain.ChunkTypeText)
	f.llm.responses = []string{`[{"text": "odd finding", "finding_type": "speculation", "domain": "astrology", "confidence": 1.7}]`}

	_, err := f.deps.HandleAnalyzeDocument(context.Background(),
		jobFor(domain.JobAnalyzeDocument, domain.AnalyzeDocumentPayload{DocumentID: "doc-1", DealID: "deal-1"}))
	require.NoError(t, err)
	require.Len(t, f.findings.stored, 1)
	assert.Equal(t, domain.FindingFact, f.findings.stored[0].FindingType)
	assert.Equal(t, domain.DomainGeneral, f.findings.stored[0].Domain)
	assert.Equal(t, 1.0, f.findings.stored[0].Confidence)
}
