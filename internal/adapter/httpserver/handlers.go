// Package httpserver contains the HTTP handlers and middleware for the
// search, manual-ingestion, and document endpoints. Handlers decode,
// validate, call a usecase service, and encode; business rules stay in
// internal/usecase.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
	"github.com/dealgraph/dealgraph/internal/usecase"
	"github.com/dealgraph/dealgraph/pkg/textx"
)

const contentPreviewLen = 300

// Server aggregates the services behind the HTTP surface.
type Server struct {
	Cfg         config.Config
	Search      usecase.SearchService
	GraphIngest usecase.GraphIngestService
	Documents   usecase.DocumentService

	// Readiness probes; nil entries are skipped.
	DBCheck    func(ctx context.Context) error
	GraphCheck func(ctx context.Context) error
	QueueCheck func(ctx context.Context) error
}

// NewServer constructs a Server.
func NewServer(cfg config.Config, search usecase.SearchService, ingest usecase.GraphIngestService, documents usecase.DocumentService) *Server {
	return &Server{Cfg: cfg, Search: search, GraphIngest: ingest, Documents: documents}
}

// SearchSimilarHandler serves GET /api/search/similar.
func (s *Server) SearchSimilarHandler() http.HandlerFunc {
	type resultItem struct {
		ChunkID        string  `json:"chunk_id"`
		DocumentID     string  `json:"document_id"`
		DocumentName   string  `json:"document_name"`
		ProjectID      string  `json:"project_id"`
		ContentPreview string  `json:"content_preview"`
		ChunkType      string  `json:"chunk_type"`
		PageNumber     *int    `json:"page_number,omitempty"`
		ChunkIndex     int     `json:"chunk_index"`
		Similarity     float64 `json:"similarity"`
	}
	type response struct {
		Results      []resultItem `json:"results"`
		TotalResults int          `json:"total_results"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		hits, err := s.Search.SimilarChunks(r.Context(), usecase.SearchInput{
			Query:      q.Get("query"),
			ProjectID:  SanitizeID(q.Get("project_id")),
			DocumentID: SanitizeID(q.Get("document_id")),
			Limit:      limit,
		})
		if err != nil {
			if errors.Is(err, domain.ErrInvalidArgument) {
				writeJSON(w, http.StatusUnprocessableEntity, errorEnvelope{Error: apiError{
					Code: "INVALID_QUERY", Message: "query must not be blank",
				}})
				return
			}
			// Embedding or storage trouble degrades to unavailable.
			writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{Error: apiError{
				Code: "SEARCH_UNAVAILABLE", Message: err.Error(),
			}})
			return
		}
		out := response{Results: make([]resultItem, 0, len(hits)), TotalResults: len(hits)}
		for _, h := range hits {
			out.Results = append(out.Results, resultItem{
				ChunkID:        h.ChunkID,
				DocumentID:     h.DocumentID,
				DocumentName:   h.DocumentName,
				ProjectID:      h.ProjectID,
				ContentPreview: preview(h.Content),
				ChunkType:      string(h.ChunkType),
				PageNumber:     h.PageNumber,
				ChunkIndex:     h.ChunkIndex,
				Similarity:     h.Similarity,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// GraphIngestHandler serves POST /api/graphiti/ingest.
func (s *Server) GraphIngestHandler() http.HandlerFunc {
	type request struct {
		DealID         string `json:"deal_id"`
		Content        string `json:"content"`
		SourceType     string `json:"source_type"`
		MessageContext string `json:"message_context,omitempty"`
	}
	type response struct {
		Success          bool    `json:"success"`
		EpisodeCount     int     `json:"episode_count"`
		ElapsedMS        int64   `json:"elapsed_ms"`
		EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("malformed JSON body: %w", domain.ErrInvalidArgument), nil)
			return
		}
		out, err := s.GraphIngest.Ingest(r.Context(), usecase.GraphIngestInput{
			DealID:         SanitizeID(req.DealID),
			Content:        req.Content,
			SourceType:     req.SourceType,
			MessageContext: SanitizeString(req.MessageContext),
		})
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrNotFound):
				writeError(w, r, err, nil)
			default:
				writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: apiError{
					Code: "INGEST_FAILED", Message: err.Error(),
				}})
			}
			return
		}
		writeJSON(w, http.StatusOK, response{
			Success:          true,
			EpisodeCount:     out.EpisodeCount,
			ElapsedMS:        out.ElapsedMS,
			EstimatedCostUSD: out.EstimatedCostUSD,
		})
	}
}

// statusError is the user-safe projection of a classified error.
type statusError struct {
	Category    string `json:"category"`
	UserMessage string `json:"user_message"`
	Guidance    string `json:"guidance,omitempty"`
	ShouldRetry bool   `json:"should_retry"`
}

// DocumentStatusHandler serves GET /api/documents/{id}/status.
func (s *Server) DocumentStatusHandler() http.HandlerFunc {
	type response struct {
		DocumentID         string                     `json:"document_id"`
		DealID             string                     `json:"deal_id"`
		ProcessingStatus   domain.ProcessingStatus    `json:"processing_status"`
		LastCompletedStage *domain.Stage              `json:"last_completed_stage,omitempty"`
		Error              *statusError               `json:"error,omitempty"`
		RetryHistory       []domain.RetryHistoryEntry `json:"retry_history,omitempty"`
		GraphEpisodeCount  int                        `json:"graph_episode_count"`
		UpdatedAt          time.Time                  `json:"updated_at"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := SanitizeID(chi.URLParam(r, "id"))
		if id == "" {
			writeError(w, r, domain.ErrInvalidArgument, "document id required")
			return
		}
		view, err := s.Documents.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := response{
			DocumentID:         view.DocumentID,
			DealID:             view.DealID,
			ProcessingStatus:   view.ProcessingStatus,
			LastCompletedStage: view.LastCompletedStage,
			RetryHistory:       view.RetryHistory,
			GraphEpisodeCount:  view.GraphEpisodeCount,
			UpdatedAt:          view.UpdatedAt,
		}
		if ce := view.ProcessingError; ce != nil {
			resp.Error = &statusError{
				Category:    string(ce.Category),
				UserMessage: ce.UserMessage,
				Guidance:    ce.Guidance,
				ShouldRetry: ce.ShouldRetry,
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// DocumentRetryHandler serves POST /api/documents/{id}/retry. Denials
// come back 429 with the reason; accepted retries come back 202 with
// the enqueued job.
func (s *Server) DocumentRetryHandler() http.HandlerFunc {
	type response struct {
		Accepted bool   `json:"accepted"`
		Reason   string `json:"reason,omitempty"`
		Job      string `json:"job,omitempty"`
		JobID    string `json:"job_id,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := SanitizeID(chi.URLParam(r, "id"))
		if id == "" {
			writeError(w, r, domain.ErrInvalidArgument, "document id required")
			return
		}
		out, err := s.Documents.ManualRetry(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !out.Accepted {
			writeJSON(w, http.StatusTooManyRequests, response{Accepted: false, Reason: out.Reason})
			return
		}
		writeJSON(w, http.StatusAccepted, response{Accepted: true, Job: out.Job, JobID: out.JobID})
	}
}

// DocumentWebhookHandler serves POST /api/webhooks/documents. The HMAC
// signature check runs in WebhookGuard before this handler.
func (s *Server) DocumentWebhookHandler() http.HandlerFunc {
	type request struct {
		DocumentID string `json:"document_id"`
		DealID     string `json:"deal_id"`
		GCSPath    string `json:"gcs_path"`
		MimeType   string `json:"mime_type"`
		FileName   string `json:"file_name"`
	}
	type response struct {
		DocumentID string `json:"document_id"`
		Status     string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("malformed JSON body: %w", domain.ErrInvalidArgument), nil)
			return
		}
		id, err := s.Documents.RegisterUpload(r.Context(), usecase.UploadNotification{
			DocumentID: SanitizeID(req.DocumentID),
			DealID:     SanitizeID(req.DealID),
			GCSPath:    SanitizeString(req.GCSPath),
			MimeType:   SanitizeString(req.MimeType),
			FileName:   SanitizeString(req.FileName),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, response{DocumentID: id, Status: string(domain.StatusPending)})
	}
}

// HealthzHandler reports process liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the configured dependencies and reports 503 when
// any fails.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type probe struct {
		name string
		fn   func(ctx context.Context) error
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		probes := []probe{
			{"db", s.DBCheck},
			{"graph", s.GraphCheck},
			{"queue", s.QueueCheck},
		}
		status := map[string]string{}
		healthy := true
		for _, p := range probes {
			if p.fn == nil {
				continue
			}
			if err := p.fn(ctx); err != nil {
				status[p.name] = err.Error()
				healthy = false
			} else {
				status[p.name] = "ok"
			}
		}
		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	}
}

func preview(content string) string {
	return textx.Truncate(textx.SanitizeText(content), contentPreviewLen)
}
