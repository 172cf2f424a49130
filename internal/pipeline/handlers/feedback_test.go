package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealgraph/dealgraph/internal/domain"
)

// seedFeedback creates n findings in the given domain with matching
// feedback events: the first `rejections` are rejections, the next
// `corrections` are corrections, the rest validations.
func seedFeedback(f *fixture, dom domain.FindingDomain, n, rejections, corrections int, confidence float64) {
	at := testClock().AddDate(0, 0, -3)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-f-%d", dom, i)
		chunkID := fmt.Sprintf("%s-c-%d", dom, i)
		f.findings.byDeal["deal-1"] = append(f.findings.byDeal["deal-1"], domain.Finding{
			ID: id, DealID: "deal-1", Domain: dom, Confidence: confidence, ChunkID: &chunkID,
		})
		ft := domain.FeedbackValidation
		if i < rejections {
			ft = domain.FeedbackRejection
		} else if i < rejections+corrections {
			ft = domain.FeedbackCorrection
		}
		f.feedback.events = append(f.feedback.events, domain.FeedbackEvent{
			ID: "e-" + id, DealID: "deal-1", FindingID: id, FeedbackType: ft, CreatedAt: at,
		})
	}
}

func TestHandleAnalyzeFeedbackDetectsDomainBiasAndAdjustsThreshold(t *testing.T) {
	f := newFixture()
	// 20 financial findings, 12 rejected (60% rejection, high severity),
	// stored confidence high enough to also trip drift detection.
	seedFeedback(f, domain.DomainFinancial, 20, 12, 0, 0.85)

	out, err := f.deps.HandleAnalyzeFeedback(context.Background(),
		jobFor(domain.JobAnalyzeFeedback, domain.AnalyzeFeedbackPayload{DealID: "deal-1"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"events": 20, "patterns": 2}, out)

	require.Len(t, f.feedback.reports, 1)
	r := f.feedback.reports[0]
	assert.Equal(t, "deal-1", r.DealID)
	assert.Equal(t, 30, r.PeriodDays)

	stats := r.Stats[domain.DomainFinancial]
	assert.Equal(t, 20, stats.Total)
	assert.Equal(t, 12, stats.Rejections)
	assert.InDelta(t, 0.6, stats.RejectionRate, 1e-9)

	types := map[domain.FeedbackPatternType]domain.FeedbackPattern{}
	for _, p := range r.Patterns {
		types[p.Type] = p
	}
	bias, ok := types[domain.PatternDomainBias]
	require.True(t, ok)
	assert.Equal(t, "high", bias.Severity)
	drift, ok := types[domain.PatternConfidenceDrift]
	require.True(t, ok)
	assert.Equal(t, domain.DomainFinancial, drift.Domain)

	// Financial default 0.70 tightened by 0.10 for high severity.
	require.NotNil(t, r.ThresholdAdjustments)
	assert.InDelta(t, 0.80, r.ThresholdAdjustments[domain.DomainFinancial], 1e-9)
	assert.NotEmpty(t, r.Recommendations)
}

func TestHandleAnalyzeFeedbackBelowSampleSizeYieldsNoPatterns(t *testing.T) {
	f := newFixture()
	seedFeedback(f, domain.DomainLegal, 5, 5, 0, 0.9)

	_, err := f.deps.HandleAnalyzeFeedback(context.Background(),
		jobFor(domain.JobAnalyzeFeedback, domain.AnalyzeFeedbackPayload{DealID: "deal-1"}))
	require.NoError(t, err)

	require.Len(t, f.feedback.reports, 1)
	r := f.feedback.reports[0]
	assert.Empty(t, r.Patterns)
	assert.Nil(t, r.ThresholdAdjustments)
	// Stats are still reported below the sample floor.
	assert.Equal(t, 5, r.Stats[domain.DomainLegal].Total)
}

func TestHandleAnalyzeFeedbackCorrectionPatternDetected(t *testing.T) {
	f := newFixture()
	seedFeedback(f, domain.DomainTechnical, 15, 0, 5, 0.5)

	_, err := f.deps.HandleAnalyzeFeedback(context.Background(),
		jobFor(domain.JobAnalyzeFeedback, domain.AnalyzeFeedbackPayload{DealID: "deal-1"}))
	require.NoError(t, err)

	r := f.feedback.reports[0]
	require.Len(t, r.Patterns, 1)
	assert.Equal(t, domain.PatternExtractionError, r.Patterns[0].Type)
	assert.Equal(t, domain.DomainTechnical, r.Patterns[0].Domain)
	// Correction pattern alone does not move thresholds.
	assert.Nil(t, r.ThresholdAdjustments)
}

func TestHandleAnalyzeFeedbackIgnoresEventsOutsideWindow(t *testing.T) {
	f := newFixture()
	f.feedback.events = append(f.feedback.events, domain.FeedbackEvent{
		ID: "old", DealID: "deal-1", FindingID: "f-old",
		FeedbackType: domain.FeedbackRejection,
		CreatedAt:    testClock().AddDate(0, 0, -45),
	})

	out, err := f.deps.HandleAnalyzeFeedback(context.Background(),
		jobFor(domain.JobAnalyzeFeedback, domain.AnalyzeFeedbackPayload{DealID: "deal-1"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"events": 0, "patterns": 0}, out)
}

func TestHandleAnalyzeFeedbackUpsertsOneReportPerDay(t *testing.T) {
	f := newFixture()
	seedFeedback(f, domain.DomainMarket, 12, 0, 0, 0.5)

	for i := 0; i < 3; i++ {
		_, err := f.deps.HandleAnalyzeFeedback(context.Background(),
			jobFor(domain.JobAnalyzeFeedback, domain.AnalyzeFeedbackPayload{DealID: "deal-1"}))
		require.NoError(t, err)
	}
	assert.Len(t, f.feedback.reports, 1)
}

func TestHandleAnalyzeFeedbackAllFansOutPerDeal(t *testing.T) {
	f := newFixture()
	f.deals.feedback = []string{"deal-1", "deal-2", "deal-3"}

	out, err := f.deps.HandleAnalyzeFeedbackAll(context.Background(),
		jobFor(domain.JobAnalyzeFeedbackAll, domain.AnalyzeFeedbackAllPayload{}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"deals": 3, "enqueued": 3}, out)

	require.Len(t, f.queue.jobs, 3)
	for _, j := range f.queue.jobs {
		assert.Equal(t, domain.JobAnalyzeFeedback, j.name)
	}
	var p domain.AnalyzeFeedbackPayload
	require.NoError(t, json.Unmarshal(f.queue.jobs[0].payload, &p))
	assert.Equal(t, "deal-1", p.DealID)
	assert.Equal(t, 30, p.PeriodDays)
}

func TestHandleAnalyzeFeedbackCustomPeriodOverridesDefault(t *testing.T) {
	f := newFixture()
	f.feedback.events = append(f.feedback.events, domain.FeedbackEvent{
		ID: "e-1", DealID: "deal-1", FindingID: "f-1",
		FeedbackType: domain.FeedbackValidation,
		CreatedAt:    testClock().AddDate(0, 0, -45),
	})

	out, err := f.deps.HandleAnalyzeFeedback(context.Background(),
		jobFor(domain.JobAnalyzeFeedback, domain.AnalyzeFeedbackPayload{DealID: "deal-1", PeriodDays: 60}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"events": 1, "patterns": 0}, out)
	assert.Equal(t, 60, f.feedback.reports[0].PeriodDays)
}
