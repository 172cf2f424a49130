package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/dealgraph/dealgraph/internal/domain"
)

// MetricRepo persists and loads financial metrics from PostgreSQL.
type MetricRepo struct{ Pool PgxPool }

// NewMetricRepo constructs a MetricRepo with the given pool.
func NewMetricRepo(p PgxPool) *MetricRepo { return &MetricRepo{Pool: p} }

// CreateBatch inserts a batch of extracted metrics.
func (r *MetricRepo) CreateBatch(ctx domain.Context, metrics []domain.FinancialMetric) error {
	tracer := otel.Tracer("repo.metrics")
	ctx, span := tracer.Start(ctx, "metrics.CreateBatch")
	defer span.End()
	now := time.Now().UTC()
	q := `INSERT INTO financial_metrics (id, document_id, metric_name, metric_category, value, unit,
		period_type, fiscal_year, fiscal_quarter, period_start, period_end,
		source_sheet, source_cell, source_page, source_formula, is_actual, confidence, metadata, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`
	for _, m := range metrics {
		id := m.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := r.Pool.Exec(ctx, q, id, m.DocumentID, m.MetricName, m.MetricCategory, m.Value, m.Unit,
			m.PeriodType, m.FiscalYear, m.FiscalQuarter, m.PeriodStart, m.PeriodEnd,
			m.SourceSheet, m.SourceCell, m.SourcePage, m.SourceFormula, m.IsActual, m.Confidence,
			metadataJSON(m.Metadata), now); err != nil {
			return fmt.Errorf("op=metric.create_batch: %w", err)
		}
	}
	return nil
}

// ListByDocument returns all metrics extracted from a document.
func (r *MetricRepo) ListByDocument(ctx domain.Context, documentID string) ([]domain.FinancialMetric, error) {
	tracer := otel.Tracer("repo.metrics")
	ctx, span := tracer.Start(ctx, "metrics.ListByDocument")
	defer span.End()
	q := `SELECT id, document_id, metric_name, metric_category, value, unit,
		period_type, fiscal_year, fiscal_quarter, period_start, period_end,
		source_sheet, source_cell, source_page, source_formula, is_actual, confidence, metadata, created_at
	FROM financial_metrics WHERE document_id=$1 ORDER BY created_at ASC, metric_name ASC`
	rows, err := r.Pool.Query(ctx, q, documentID)
	if err != nil {
		return nil, fmt.Errorf("op=metric.list: %w", err)
	}
	defer rows.Close()
	var out []domain.FinancialMetric
	for rows.Next() {
		var m domain.FinancialMetric
		var meta []byte
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.MetricName, &m.MetricCategory, &m.Value, &m.Unit,
			&m.PeriodType, &m.FiscalYear, &m.FiscalQuarter, &m.PeriodStart, &m.PeriodEnd,
			&m.SourceSheet, &m.SourceCell, &m.SourcePage, &m.SourceFormula, &m.IsActual, &m.Confidence,
			&meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=metric.list: %w", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &m.Metadata)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=metric.list: %w", err)
	}
	return out, nil
}
