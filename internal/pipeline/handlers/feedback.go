package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dealgraph/dealgraph/internal/domain"
)

const (
	rejectionRateThreshold  = 0.30
	correctionRateThreshold = 0.20
	driftConfidenceFloor    = 0.75
)

// defaultDomainThreshold is the baseline confidence threshold per
// finding domain, tightened when feedback shows systematic rejection.
func defaultDomainThreshold(dom domain.FindingDomain) float64 {
	switch dom {
	case domain.DomainFinancial, domain.DomainLegal:
		return 0.70
	case domain.DomainTechnical, domain.DomainOperational:
		return 0.60
	case domain.DomainMarket:
		return 0.55
	default:
		return 0.50
	}
}

// HandleAnalyzeFeedback aggregates a deal's feedback events over the
// analysis window into per-domain stats, detected patterns, and
// confidence-threshold adjustments. One report per (deal, day).
func (d *Deps) HandleAnalyzeFeedback(ctx domain.Context, job domain.Job) (any, error) {
	var p domain.AnalyzeFeedbackPayload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return nil, fmt.Errorf("op=handlers.feedback: bad payload: %w", domain.ErrInvalidArgument)
	}
	if p.DealID == "" {
		return nil, fmt.Errorf("op=handlers.feedback: deal_id required: %w", domain.ErrInvalidArgument)
	}
	periodDays := p.PeriodDays
	if periodDays <= 0 {
		periodDays = d.Cfg.FeedbackPeriodDays
	}
	if periodDays <= 0 {
		periodDays = 30
	}
	now := d.clock()
	since := now.AddDate(0, 0, -periodDays)

	events, err := d.Feedback.ListEventsSince(ctx, p.DealID, since)
	if err != nil {
		return nil, fmt.Errorf("op=handlers.feedback deal=%s: %w", p.DealID, err)
	}
	findings, err := d.Findings.ListByDeal(ctx, p.DealID, false)
	if err != nil {
		return nil, fmt.Errorf("op=handlers.feedback deal=%s: %w", p.DealID, err)
	}
	byID := make(map[string]domain.Finding, len(findings))
	for _, f := range findings {
		byID[f.ID] = f
	}

	stats := aggregateStats(events, byID)

	minSample := d.Cfg.FeedbackMinSampleSize
	if minSample <= 0 {
		minSample = 10
	}
	withPatterns := p.IncludePatternDetection == nil || *p.IncludePatternDetection
	withAdjustments := p.IncludeConfidenceAdjustments == nil || *p.IncludeConfidenceAdjustments

	var patterns []domain.FeedbackPattern
	if withPatterns {
		patterns = detectPatterns(stats, events, byID, minSample)
	}
	var adjustments map[domain.FindingDomain]float64
	if withAdjustments {
		adjustments = thresholdAdjustments(patterns)
	}

	report := domain.FeedbackReport{
		ID:                   uuid.NewString(),
		DealID:               p.DealID,
		AnalysisDate:         now.Truncate(24 * time.Hour),
		PeriodDays:           periodDays,
		Stats:                stats,
		Patterns:             patterns,
		Recommendations:      recommendations(patterns),
		ThresholdAdjustments: adjustments,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := d.Feedback.UpsertReport(ctx, report); err != nil {
		return nil, fmt.Errorf("op=handlers.feedback deal=%s: %w", p.DealID, err)
	}
	return map[string]any{"events": len(events), "patterns": len(patterns)}, nil
}

// HandleAnalyzeFeedbackAll fans out one analyze-feedback job per deal
// that received feedback inside the window.
func (d *Deps) HandleAnalyzeFeedbackAll(ctx domain.Context, job domain.Job) (any, error) {
	var p domain.AnalyzeFeedbackAllPayload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return nil, fmt.Errorf("op=handlers.feedback_all: bad payload: %w", domain.ErrInvalidArgument)
	}
	periodDays := p.PeriodDays
	if periodDays <= 0 {
		periodDays = d.Cfg.FeedbackPeriodDays
	}
	if periodDays <= 0 {
		periodDays = 30
	}
	since := d.clock().AddDate(0, 0, -periodDays)
	dealIDs, err := d.Deals.IDsWithFeedbackSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("op=handlers.feedback_all: %w", err)
	}
	enqueued := 0
	for _, dealID := range dealIDs {
		if _, err := d.Queue.Enqueue(ctx, domain.JobAnalyzeFeedback, domain.AnalyzeFeedbackPayload{
			DealID: dealID, PeriodDays: periodDays,
		}, nil); err != nil {
			slog.Warn("feedback fan-out enqueue failed", "deal_id", dealID, "error", err)
			continue
		}
		enqueued++
	}
	return map[string]any{"deals": len(dealIDs), "enqueued": enqueued}, nil
}

func aggregateStats(events []domain.FeedbackEvent, byID map[string]domain.Finding) map[domain.FindingDomain]domain.DomainFeedbackStats {
	stats := make(map[domain.FindingDomain]domain.DomainFeedbackStats)
	for _, e := range events {
		dom := domain.DomainGeneral
		if f, ok := byID[e.FindingID]; ok {
			dom = f.Domain
		}
		s := stats[dom]
		s.Total++
		switch e.FeedbackType {
		case domain.FeedbackValidation:
			s.Validations++
		case domain.FeedbackRejection:
			s.Rejections++
		case domain.FeedbackCorrection:
			s.Corrections++
		}
		stats[dom] = s
	}
	for dom, s := range stats {
		if s.Total > 0 {
			s.RejectionRate = float64(s.Rejections) / float64(s.Total)
			s.CorrectionRate = float64(s.Corrections) / float64(s.Total)
		}
		stats[dom] = s
	}
	return stats
}

// detectPatterns inspects per-domain stats. Domains below the minimum
// sample size are skipped entirely.
func detectPatterns(stats map[domain.FindingDomain]domain.DomainFeedbackStats, events []domain.FeedbackEvent, byID map[string]domain.Finding, minSample int) []domain.FeedbackPattern {
	domains := make([]domain.FindingDomain, 0, len(stats))
	for dom := range stats {
		domains = append(domains, dom)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })

	var patterns []domain.FeedbackPattern
	for _, dom := range domains {
		s := stats[dom]
		if s.Total < minSample {
			continue
		}
		if s.RejectionRate >= rejectionRateThreshold {
			patterns = append(patterns, domain.FeedbackPattern{
				Type:     domain.PatternDomainBias,
				Domain:   dom,
				Severity: rateSeverity(s.RejectionRate, rejectionRateThreshold),
				Description: fmt.Sprintf("%.0f%% of %s findings were rejected over the window",
					s.RejectionRate*100, dom),
				SampleSize: s.Total,
			})
		}
		if s.CorrectionRate >= correctionRateThreshold {
			patterns = append(patterns, domain.FeedbackPattern{
				Type:     domain.PatternExtractionError,
				Domain:   dom,
				Severity: rateSeverity(s.CorrectionRate, correctionRateThreshold),
				Description: fmt.Sprintf("%.0f%% of %s findings needed manual correction",
					s.CorrectionRate*100, dom),
				SampleSize: s.Total,
			})
		}
		if p, ok := confidenceDrift(dom, events, byID, minSample); ok {
			patterns = append(patterns, p)
		}
	}
	if p, ok := sourceQuality(events, byID, minSample); ok {
		patterns = append(patterns, p)
	}
	return patterns
}

// confidenceDrift flags a domain whose rejected findings carried high
// stored confidence: the extractor is overconfident there.
func confidenceDrift(dom domain.FindingDomain, events []domain.FeedbackEvent, byID map[string]domain.Finding, minSample int) (domain.FeedbackPattern, bool) {
	var sum float64
	var n int
	for _, e := range events {
		if e.FeedbackType != domain.FeedbackRejection {
			continue
		}
		f, ok := byID[e.FindingID]
		if !ok || f.Domain != dom {
			continue
		}
		sum += f.Confidence
		n++
	}
	if n < minSample/2 || n == 0 {
		return domain.FeedbackPattern{}, false
	}
	avg := sum / float64(n)
	if avg < driftConfidenceFloor {
		return domain.FeedbackPattern{}, false
	}
	return domain.FeedbackPattern{
		Type:     domain.PatternConfidenceDrift,
		Domain:   dom,
		Severity: rateSeverity(avg, driftConfidenceFloor),
		Description: fmt.Sprintf("rejected %s findings averaged %.2f stored confidence",
			dom, avg),
		SampleSize: n,
	}, true
}

// sourceQuality flags rejections concentrated on findings without chunk
// attribution, which usually means weak source material.
func sourceQuality(events []domain.FeedbackEvent, byID map[string]domain.Finding, minSample int) (domain.FeedbackPattern, bool) {
	var rejected, unattributed int
	for _, e := range events {
		if e.FeedbackType != domain.FeedbackRejection {
			continue
		}
		rejected++
		if f, ok := byID[e.FindingID]; ok && f.ChunkID == nil {
			unattributed++
		}
	}
	if rejected < minSample {
		return domain.FeedbackPattern{}, false
	}
	share := float64(unattributed) / float64(rejected)
	if share < 0.5 {
		return domain.FeedbackPattern{}, false
	}
	return domain.FeedbackPattern{
		Type:     domain.PatternSourceQuality,
		Severity: rateSeverity(share, 0.5),
		Description: fmt.Sprintf("%.0f%% of rejected findings had no chunk attribution",
			share*100),
		SampleSize: rejected,
	}, true
}

// rateSeverity grades how far a rate exceeds its trigger threshold.
func rateSeverity(rate, threshold float64) string {
	switch {
	case rate >= threshold+0.20:
		return "high"
	case rate >= threshold+0.10:
		return "medium"
	default:
		return "low"
	}
}

// thresholdAdjustments raises the confidence threshold for domains with
// a detected rejection bias. High severity tightens twice as hard.
func thresholdAdjustments(patterns []domain.FeedbackPattern) map[domain.FindingDomain]float64 {
	out := make(map[domain.FindingDomain]float64)
	for _, p := range patterns {
		if p.Type != domain.PatternDomainBias || p.Domain == "" {
			continue
		}
		bump := 0.05
		if p.Severity == "high" {
			bump = 0.10
		}
		t := defaultDomainThreshold(p.Domain) + bump
		if t > 0.90 {
			t = 0.90
		}
		out[p.Domain] = t
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func recommendations(patterns []domain.FeedbackPattern) []string {
	var out []string
	for _, p := range patterns {
		switch p.Type {
		case domain.PatternDomainBias:
			out = append(out, fmt.Sprintf("Review the %s extraction prompt; rejection rate is elevated (%s severity).", p.Domain, p.Severity))
		case domain.PatternExtractionError:
			out = append(out, fmt.Sprintf("Audit recent %s corrections for a systematic extraction defect.", p.Domain))
		case domain.PatternConfidenceDrift:
			out = append(out, fmt.Sprintf("Recalibrate %s confidence scoring; rejected findings scored too high.", p.Domain))
		case domain.PatternSourceQuality:
			out = append(out, "Check parser output quality; many rejected findings lack chunk attribution.")
		}
	}
	return out
}
