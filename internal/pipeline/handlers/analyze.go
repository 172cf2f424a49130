package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dealgraph/dealgraph/internal/adapter/ai"
	"github.com/dealgraph/dealgraph/internal/adapter/observability"
	"github.com/dealgraph/dealgraph/internal/domain"
)

const analyzeSystem = `You extract structured due-diligence findings from document excerpts.
A finding is one verifiable statement: a fact, metric, risk, opportunity, insight, or assumption.
Assign each finding a domain (financial, operational, market, legal, technical, general) and a
confidence in [0,1]. Quote values and dates exactly as written. Use source_chunk_index to name
the chunk a finding came from.`

var findingsSchema = map[string]any{
	"type": "array",
	"items": map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":         map[string]any{"type": "string"},
			"finding_type": map[string]any{"type": "string", "enum": []string{"fact", "metric", "risk", "opportunity", "insight", "assumption"}},
			"domain":       map[string]any{"type": "string", "enum": []string{"financial", "operational", "market", "legal", "technical", "general"}},
			"confidence":   map[string]any{"type": "number"},
			"source_chunk_index": map[string]any{"type": "integer"},
			"source_reference":   map[string]any{"type": "string"},
			"date_referenced":    map[string]any{"type": "string"},
		},
		"required": []string{"text", "finding_type", "domain", "confidence"},
	},
}

type findingResult struct {
	Text             string  `json:"text"`
	FindingType      string  `json:"finding_type"`
	Domain           string  `json:"domain"`
	Confidence       float64 `json:"confidence"`
	SourceChunkIndex *int    `json:"source_chunk_index,omitempty"`
	SourceReference  string  `json:"source_reference,omitempty"`
	DateReferenced   string  `json:"date_referenced,omitempty"`
}

// HandleAnalyzeDocument extracts findings from the document's chunks,
// persists them, syncs them into the graph best-effort, and branches
// into financial extraction for spreadsheets and table-bearing PDFs.
func (d *Deps) HandleAnalyzeDocument(ctx domain.Context, job domain.Job) (any, error) {
	var p domain.AnalyzeDocumentPayload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return nil, fmt.Errorf("op=handlers.analyze: bad payload: %w", domain.ErrInvalidArgument)
	}
	if p.DocumentID == "" {
		return nil, fmt.Errorf("op=handlers.analyze: document_id required: %w", domain.ErrInvalidArgument)
	}
	stage := domain.StageLabelAnalyzing
	start := time.Now()
	defer func() { observability.ObserveStage(stage, time.Since(start).Seconds()) }()

	doc, err := d.Docs.Get(ctx, p.DocumentID)
	if err != nil {
		return nil, d.fail(ctx, p.DocumentID, fmt.Errorf("document lookup: %w", err), stage, job.RetryCount)
	}
	dealID := p.DealID
	if dealID == "" {
		dealID = doc.DealID
	}
	if err := d.begin(ctx, p.DocumentID, stage, p.IsRetry); err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}
	orgID := p.OrganizationID
	if orgID == "" {
		if orgID, err = d.organizationID(ctx, dealID); err != nil {
			return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
		}
	}

	chunks, err := d.Chunks.ListByDocument(ctx, p.DocumentID)
	if err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}

	tier := domain.TierForMime(doc.MimeType)
	scope := ai.Scope{OrganizationID: orgID, DealID: dealID, UserID: p.UserID}
	results, err := d.extractFindings(ctx, scope, chunks, tier)
	if err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}
	findings := d.toFindings(dealID, p.DocumentID, chunks, results)

	if err := d.Findings.StoreAndUpdateStatus(ctx, p.DocumentID, findings, domain.StatusAnalyzed); err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}
	if err := d.Retry.MarkStageComplete(ctx, p.DocumentID, stage); err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}

	d.syncFindingsToGraph(ctx, dealID, orgID, doc, findings)

	needsFinancials := domain.IsSpreadsheet(doc.MimeType)
	if !needsFinancials {
		hasTables, terr := d.Chunks.HasTableChunks(ctx, p.DocumentID)
		if terr != nil {
			slog.Warn("table check failed, skipping financial branch", "document_id", p.DocumentID, "error", terr)
		}
		needsFinancials = hasTables
	}
	if needsFinancials {
		if _, err := d.Queue.Enqueue(ctx, domain.JobExtractFinancials, domain.ExtractFinancialsPayload{
			DocumentID: p.DocumentID, DealID: dealID, UserID: p.UserID,
		}, nil); err != nil {
			return nil, d.fail(ctx, p.DocumentID, fmt.Errorf("enqueue successor: %w", err), stage, job.RetryCount)
		}
	} else {
		if err := d.Retry.MarkStageComplete(ctx, p.DocumentID, "complete"); err != nil {
			return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
		}
		d.publish(ctx, domain.Event{
			Type: domain.EventDocumentCompleted, DocumentID: p.DocumentID,
			DealID: dealID, OrganizationID: orgID,
			Payload: map[string]any{"findings": len(findings)},
		})
	}

	// Contradiction detection is deal-wide and best effort.
	if _, err := d.Queue.Enqueue(ctx, domain.JobDetectContradictions, domain.DetectContradictionsPayload{
		DealID: dealID, DocumentID: p.DocumentID, UserID: p.UserID,
	}, nil); err != nil {
		slog.Warn("contradiction enqueue failed", "deal_id", dealID, "error", err)
	}
	return map[string]any{"findings": len(findings)}, nil
}

// extractFindings runs the typed single-call mode and falls back to
// batched extraction when the full response does not parse.
func (d *Deps) extractFindings(ctx domain.Context, scope ai.Scope, chunks []domain.Chunk, tier domain.ModelTier) ([]findingResult, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	prompt := renderChunks(chunks)
	resp, err := d.generate(ctx, scope, "analyze-document", domain.LLMRequest{
		System:     analyzeSystem,
		Prompt:     prompt,
		Tier:       tier,
		JSONSchema: findingsSchema,
	})
	if err == nil {
		if results, perr := parseFindings(resp.Text); perr == nil {
			return results, nil
		}
		slog.Warn("typed finding extraction unparseable, using batch mode", "chunks", len(chunks))
	} else {
		slog.Warn("typed finding extraction failed, using batch mode", "error", err)
	}
	return d.extractFindingsBatched(ctx, scope, chunks, tier)
}

// extractFindingsBatched processes chunks in fixed-size batches. A bad
// batch is logged and skipped; all batches failing fails the stage.
func (d *Deps) extractFindingsBatched(ctx domain.Context, scope ai.Scope, chunks []domain.Chunk, tier domain.ModelTier) ([]findingResult, error) {
	batchSize := d.Cfg.AnalyzeBatchSize
	if batchSize <= 0 {
		batchSize = 5
	}
	var all []findingResult
	var failed int
	var lastErr error
	for lo := 0; lo < len(chunks); lo += batchSize {
		hi := lo + batchSize
		if hi > len(chunks) {
			hi = len(chunks)
		}
		resp, err := d.generate(ctx, scope, "analyze-document", domain.LLMRequest{
			System:     analyzeSystem,
			Prompt:     renderChunks(chunks[lo:hi]),
			Tier:       tier,
			JSONSchema: findingsSchema,
		})
		if err != nil {
			failed++
			lastErr = err
			slog.Warn("finding batch failed", "batch_start", lo, "error", err)
			continue
		}
		results, perr := parseFindings(resp.Text)
		if perr != nil {
			failed++
			lastErr = perr
			slog.Warn("finding batch unparseable", "batch_start", lo, "error", perr)
			continue
		}
		all = append(all, results...)
	}
	if failed > 0 && len(all) == 0 {
		return nil, fmt.Errorf("all finding batches failed: %w", lastErr)
	}
	return all, nil
}

func (d *Deps) generate(ctx domain.Context, scope ai.Scope, feature string, req domain.LLMRequest) (domain.LLMResponse, error) {
	start := time.Now()
	resp, err := d.LLM.Generate(ctx, req)
	if err != nil {
		return domain.LLMResponse{}, err
	}
	if d.Recorder != nil {
		d.Recorder.RecordGeneration(ctx, scope, feature, resp, time.Since(start))
	}
	return resp, nil
}

// renderChunks delimits chunk content with index and page hints so the
// model can attribute findings.
func renderChunks(chunks []domain.Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(fmt.Sprintf("--- chunk %d", c.ChunkIndex))
		if c.PageNumber != nil {
			b.WriteString(fmt.Sprintf(" (page %d)", *c.PageNumber))
		}
		if c.SheetName != nil {
			b.WriteString(fmt.Sprintf(" (sheet %s)", *c.SheetName))
		}
		b.WriteString(" ---\n")
		b.WriteString(c.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}

func parseFindings(text string) ([]findingResult, error) {
	var out []findingResult
	if err := json.Unmarshal([]byte(cleanJSONText(text)), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}
	return out, nil
}

// toFindings converts raw results to persisted findings, linking chunk
// ids by source_chunk_index where possible.
func (d *Deps) toFindings(dealID, documentID string, chunks []domain.Chunk, results []findingResult) []domain.Finding {
	byIndex := make(map[int]string, len(chunks))
	for _, c := range chunks {
		byIndex[c.ChunkIndex] = c.ID
	}
	now := d.clock()
	out := make([]domain.Finding, 0, len(results))
	for _, r := range results {
		if strings.TrimSpace(r.Text) == "" {
			continue
		}
		f := domain.Finding{
			ID:          uuid.NewString(),
			DealID:      dealID,
			DocumentID:  documentID,
			Text:        r.Text,
			FindingType: validFindingType(r.FindingType),
			Domain:      validDomain(r.Domain),
			Confidence:  clamp01(r.Confidence),
			Status:      domain.FindingPending,
			CreatedAt:   now,
		}
		meta := map[string]any{}
		if r.SourceChunkIndex != nil {
			if id, ok := byIndex[*r.SourceChunkIndex]; ok {
				f.ChunkID = &id
			}
			meta["source_chunk_index"] = *r.SourceChunkIndex
		}
		if r.SourceReference != "" {
			meta["source_reference"] = r.SourceReference
		}
		if r.DateReferenced != "" {
			meta["date_referenced"] = r.DateReferenced
		}
		if len(meta) > 0 {
			f.Metadata = meta
		}
		out = append(out, f)
	}
	return out
}

// syncFindingsToGraph mirrors findings into the knowledge graph. The
// relational store is source of truth; failures here are logged only.
func (d *Deps) syncFindingsToGraph(ctx domain.Context, dealID, orgID string, doc domain.Document, findings []domain.Finding) {
	if d.Graph == nil || orgID == "" {
		return
	}
	for _, f := range findings {
		episode := domain.Episode{
			DealID:            dealID,
			OrganizationID:    orgID,
			Content:           f.Text,
			Name:              "finding-" + shortID(f.ID),
			SourceDescription: fmt.Sprintf("finding (%s) extracted from document %s", f.Domain, doc.DisplayName),
			Reference:         d.clock(),
			Confidence:        domain.DocumentConfidence,
		}
		if err := d.Graph.AddEpisode(ctx, episode); err != nil {
			slog.Warn("finding graph sync failed", "finding_id", f.ID, "error", err)
			return
		}
	}
}

func validFindingType(s string) domain.FindingType {
	switch domain.FindingType(strings.ToLower(strings.TrimSpace(s))) {
	case domain.FindingFact, domain.FindingMetric, domain.FindingRisk,
		domain.FindingOpportunity, domain.FindingInsight, domain.FindingAssumption:
		return domain.FindingType(strings.ToLower(strings.TrimSpace(s)))
	default:
		return domain.FindingFact
	}
}

func validDomain(s string) domain.FindingDomain {
	switch domain.FindingDomain(strings.ToLower(strings.TrimSpace(s))) {
	case domain.DomainFinancial, domain.DomainOperational, domain.DomainMarket,
		domain.DomainLegal, domain.DomainTechnical, domain.DomainGeneral:
		return domain.FindingDomain(strings.ToLower(strings.TrimSpace(s)))
	default:
		return domain.DomainGeneral
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// cleanJSONText strips markdown fences models sometimes wrap around
// structured output.
func cleanJSONText(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
