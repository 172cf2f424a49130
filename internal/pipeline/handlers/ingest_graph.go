package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dealgraph/dealgraph/internal/adapter/ai"
	"github.com/dealgraph/dealgraph/internal/adapter/observability"
	"github.com/dealgraph/dealgraph/internal/domain"
)

// HandleIngestGraph embeds the document's chunks and ingests them as
// knowledge-graph episodes. Embeddings and status advance atomically;
// graph writes follow sequentially within the tenant group.
func (d *Deps) HandleIngestGraph(ctx domain.Context, job domain.Job) (any, error) {
	var p domain.IngestGraphPayload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return nil, fmt.Errorf("op=handlers.ingest_graph: bad payload: %w", domain.ErrInvalidArgument)
	}
	if p.DocumentID == "" || p.DealID == "" {
		return nil, fmt.Errorf("op=handlers.ingest_graph: document_id and deal_id required: %w", domain.ErrInvalidArgument)
	}
	stage := domain.StageLabelGraphIngesting
	start := time.Now()
	defer func() { observability.ObserveStage(stage, time.Since(start).Seconds()) }()

	doc, err := d.Docs.Get(ctx, p.DocumentID)
	if err != nil {
		return nil, d.fail(ctx, p.DocumentID, fmt.Errorf("document lookup: %w", err), stage, job.RetryCount)
	}
	if doc.ProcessingStatus == domain.StatusGraphIngested && !p.IsRetry {
		return map[string]any{"skipped": true}, nil
	}
	if err := d.begin(ctx, p.DocumentID, stage, p.IsRetry); err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}

	orgID, err := d.organizationID(ctx, p.DealID)
	if err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}

	chunks, err := d.Chunks.ListByDocument(ctx, p.DocumentID)
	if err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}

	episodes := 0
	if len(chunks) > 0 {
		if err := d.embedChunks(ctx, p, orgID, chunks); err != nil {
			return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
		}
		for i, c := range chunks {
			episode := domain.Episode{
				DealID:            p.DealID,
				OrganizationID:    orgID,
				Content:           c.Content,
				Name:              fmt.Sprintf("%s-chunk-%d", p.DocumentID, c.ChunkIndex),
				SourceDescription: fmt.Sprintf("document %s (%s)", doc.DisplayName, doc.MimeType),
				Reference:         d.clock(),
				Confidence:        domain.DocumentConfidence,
			}
			if err := d.Graph.AddEpisode(ctx, episode); err != nil {
				return nil, d.fail(ctx, p.DocumentID,
					fmt.Errorf("episode %d/%d: %w", i+1, len(chunks), err), stage, job.RetryCount)
			}
			episodes++
		}
		if err := d.Docs.IncrementGraphEpisodes(ctx, p.DocumentID, episodes); err != nil {
			slog.Warn("episode counter update failed", "document_id", p.DocumentID, "error", err)
		}
	} else {
		// Empty documents still advance.
		if err := d.Docs.UpdateProcessingStatus(ctx, p.DocumentID, domain.StatusGraphIngested); err != nil {
			return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
		}
	}

	if err := d.Retry.MarkStageComplete(ctx, p.DocumentID, stage); err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}
	if _, err := d.Queue.Enqueue(ctx, domain.JobAnalyzeDocument, domain.AnalyzeDocumentPayload{
		DocumentID:     p.DocumentID,
		DealID:         p.DealID,
		UserID:         p.UserID,
		OrganizationID: orgID,
	}, nil); err != nil {
		return nil, d.fail(ctx, p.DocumentID, fmt.Errorf("enqueue successor: %w", err), stage, job.RetryCount)
	}
	return map[string]any{"episodes": episodes}, nil
}

// embedChunks computes embeddings for every chunk and stores them with
// the status flip in one transaction.
func (d *Deps) embedChunks(ctx domain.Context, p domain.IngestGraphPayload, orgID string, chunks []domain.Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	start := time.Now()
	result, err := d.Embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(result.Vectors) != len(chunks) {
		return fmt.Errorf("embed returned %d vectors for %d chunks: %w",
			len(result.Vectors), len(chunks), domain.ErrSchemaInvalid)
	}
	if d.Recorder != nil {
		d.Recorder.RecordEmbedding(ctx, ai.Scope{
			OrganizationID: orgID, DealID: p.DealID, UserID: p.UserID,
		}, "ingest-graphiti", result, time.Since(start))
	}
	embeddings := make(map[string][]float32, len(chunks))
	for i, c := range chunks {
		embeddings[c.ID] = result.Vectors[i]
	}
	if err := d.Chunks.UpdateEmbeddingsAndStatus(ctx, p.DocumentID, embeddings, domain.StatusGraphIngested); err != nil {
		return fmt.Errorf("store embeddings: %w", err)
	}
	return nil
}
