package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dealgraph/dealgraph/internal/adapter/observability"
	"github.com/dealgraph/dealgraph/internal/domain"
)

// HandleParseDocument downloads the blob, parses it, chunks the result,
// and atomically replaces the document's chunks.
func (d *Deps) HandleParseDocument(ctx domain.Context, job domain.Job) (any, error) {
	var p domain.ParseDocumentPayload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return nil, fmt.Errorf("op=handlers.parse: bad payload: %w", domain.ErrInvalidArgument)
	}
	if p.DocumentID == "" {
		return nil, fmt.Errorf("op=handlers.parse: document_id required: %w", domain.ErrInvalidArgument)
	}
	stage := domain.StageLabelParsing
	start := time.Now()
	defer func() { observability.ObserveStage(stage, time.Since(start).Seconds()) }()

	doc, err := d.Docs.Get(ctx, p.DocumentID)
	if err != nil {
		return nil, d.fail(ctx, p.DocumentID, fmt.Errorf("document lookup: %w", err), stage, job.RetryCount)
	}
	if err := d.begin(ctx, p.DocumentID, stage, p.IsRetry); err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}

	blobPath := doc.BlobPath
	if p.GCSPath != "" {
		blobPath = p.GCSPath
	}
	scratch, err := d.downloadToScratch(ctx, blobPath)
	if err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}
	defer func() { _ = os.Remove(scratch) }()

	result, err := d.Parser.Parse(ctx, domain.ParseRequest{
		Path:     scratch,
		FileName: doc.DisplayName,
		MimeType: doc.MimeType,
		Category: domain.CategoryForMime(doc.MimeType),
	})
	if err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}

	chunks := d.Chunker.Build(result)
	for i := range chunks {
		chunks[i].ID = uuid.NewString()
		chunks[i].DocumentID = p.DocumentID
	}
	observability.ObserveDocumentChunks(len(chunks))

	if err := d.Chunks.ReplaceAndUpdateStatus(ctx, p.DocumentID, chunks, domain.StatusParsed); err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}
	if err := d.Retry.MarkStageComplete(ctx, p.DocumentID, stage); err != nil {
		return nil, d.fail(ctx, p.DocumentID, err, stage, job.RetryCount)
	}

	if _, err := d.Queue.Enqueue(ctx, domain.JobIngestGraph, domain.IngestGraphPayload{
		DocumentID: p.DocumentID,
		DealID:     doc.DealID,
		UserID:     p.UserID,
	}, nil); err != nil {
		return nil, d.fail(ctx, p.DocumentID, fmt.Errorf("enqueue successor: %w", err), stage, job.RetryCount)
	}

	d.publish(ctx, domain.Event{
		Type:       domain.EventDocumentParsed,
		DocumentID: p.DocumentID,
		DealID:     doc.DealID,
		Payload:    map[string]any{"chunks": len(chunks), "total_pages": result.TotalPages},
	})
	return map[string]any{"chunks": len(chunks)}, nil
}

// downloadToScratch streams the blob to a temp file and returns its path.
func (d *Deps) downloadToScratch(ctx domain.Context, blobPath string) (string, error) {
	r, err := d.Blobs.Download(ctx, blobPath)
	if err != nil {
		return "", fmt.Errorf("blob download: %w", err)
	}
	defer func() { _ = r.Close() }()

	f, err := os.CreateTemp("", "dealgraph-parse-*"+filepath.Ext(blobPath))
	if err != nil {
		return "", fmt.Errorf("scratch file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("scratch write: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("scratch close: %w", err)
	}
	return f.Name(), nil
}
