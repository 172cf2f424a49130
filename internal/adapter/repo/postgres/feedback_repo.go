package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/dealgraph/dealgraph/internal/domain"
)

// FeedbackRepo persists finding feedback events and analytics reports.
type FeedbackRepo struct{ Pool PgxPool }

// NewFeedbackRepo constructs a FeedbackRepo with the given pool.
func NewFeedbackRepo(p PgxPool) *FeedbackRepo { return &FeedbackRepo{Pool: p} }

// RecordEvent stores one user judgement on a finding.
func (r *FeedbackRepo) RecordEvent(ctx domain.Context, e domain.FeedbackEvent) (string, error) {
	tracer := otel.Tracer("repo.feedback")
	ctx, span := tracer.Start(ctx, "feedback.RecordEvent")
	defer span.End()
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO finding_feedback (id, deal_id, finding_id, feedback_type, corrected_text, comment, user_id, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, id, e.DealID, e.FindingID, e.FeedbackType, e.CorrectedText, e.Comment, e.UserID, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=feedback.record: %w", err)
	}
	return id, nil
}

// ListEventsSince returns a deal's feedback events at or after the given time.
func (r *FeedbackRepo) ListEventsSince(ctx domain.Context, dealID string, since time.Time) ([]domain.FeedbackEvent, error) {
	tracer := otel.Tracer("repo.feedback")
	ctx, span := tracer.Start(ctx, "feedback.ListEventsSince")
	defer span.End()
	q := `SELECT id, deal_id, finding_id, feedback_type, corrected_text, comment, user_id, created_at
	FROM finding_feedback WHERE deal_id=$1 AND created_at >= $2 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, dealID, since)
	if err != nil {
		return nil, fmt.Errorf("op=feedback.list_since: %w", err)
	}
	defer rows.Close()
	var out []domain.FeedbackEvent
	for rows.Next() {
		var e domain.FeedbackEvent
		if err := rows.Scan(&e.ID, &e.DealID, &e.FindingID, &e.FeedbackType, &e.CorrectedText, &e.Comment, &e.UserID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=feedback.list_since: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=feedback.list_since: %w", err)
	}
	return out, nil
}

// UpsertReport writes the analytics row for (deal, analysis_date),
// replacing stats on re-analysis of the same day.
func (r *FeedbackRepo) UpsertReport(ctx domain.Context, rep domain.FeedbackReport) error {
	tracer := otel.Tracer("repo.feedback")
	ctx, span := tracer.Start(ctx, "feedback.UpsertReport")
	defer span.End()
	id := rep.ID
	if id == "" {
		id = uuid.New().String()
	}
	stats, err := json.Marshal(rep.Stats)
	if err != nil {
		return fmt.Errorf("op=feedback.upsert_report: %w", err)
	}
	patterns, err := json.Marshal(rep.Patterns)
	if err != nil {
		return fmt.Errorf("op=feedback.upsert_report: %w", err)
	}
	recs, err := json.Marshal(rep.Recommendations)
	if err != nil {
		return fmt.Errorf("op=feedback.upsert_report: %w", err)
	}
	adjustments, err := json.Marshal(rep.ThresholdAdjustments)
	if err != nil {
		return fmt.Errorf("op=feedback.upsert_report: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO feedback_analytics (id, deal_id, analysis_date, period_days, stats, patterns, recommendations, threshold_adjustments, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	ON CONFLICT (deal_id, analysis_date)
	DO UPDATE SET period_days=EXCLUDED.period_days, stats=EXCLUDED.stats, patterns=EXCLUDED.patterns,
		recommendations=EXCLUDED.recommendations, threshold_adjustments=EXCLUDED.threshold_adjustments, updated_at=EXCLUDED.updated_at`
	_, err = r.Pool.Exec(ctx, q, id, rep.DealID, rep.AnalysisDate, rep.PeriodDays, stats, patterns, recs, adjustments, now)
	if err != nil {
		return fmt.Errorf("op=feedback.upsert_report: %w", err)
	}
	return nil
}

// GetReport loads the analytics row for (deal, analysis_date).
func (r *FeedbackRepo) GetReport(ctx domain.Context, dealID string, analysisDate time.Time) (domain.FeedbackReport, error) {
	tracer := otel.Tracer("repo.feedback")
	ctx, span := tracer.Start(ctx, "feedback.GetReport")
	defer span.End()
	q := `SELECT id, deal_id, analysis_date, period_days, stats, patterns, recommendations, threshold_adjustments, created_at, updated_at
	FROM feedback_analytics WHERE deal_id=$1 AND analysis_date=$2`
	row := r.Pool.QueryRow(ctx, q, dealID, analysisDate)
	var rep domain.FeedbackReport
	var stats, patterns, recs, adjustments []byte
	if err := row.Scan(&rep.ID, &rep.DealID, &rep.AnalysisDate, &rep.PeriodDays, &stats, &patterns, &recs, &adjustments, &rep.CreatedAt, &rep.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FeedbackReport{}, fmt.Errorf("op=feedback.get_report: %w", domain.ErrNotFound)
		}
		return domain.FeedbackReport{}, fmt.Errorf("op=feedback.get_report: %w", err)
	}
	if len(stats) > 0 {
		_ = json.Unmarshal(stats, &rep.Stats)
	}
	if len(patterns) > 0 {
		_ = json.Unmarshal(patterns, &rep.Patterns)
	}
	if len(recs) > 0 {
		_ = json.Unmarshal(recs, &rep.Recommendations)
	}
	if len(adjustments) > 0 {
		_ = json.Unmarshal(adjustments, &rep.ThresholdAdjustments)
	}
	return rep, nil
}
