package handlers

import (
	"encoding/json"
	"fmt"

	"github.com/dealgraph/dealgraph/internal/domain"
)

// HandleIngestQAResponse records an answered Q&A item as a high-trust
// graph episode.
func (d *Deps) HandleIngestQAResponse(ctx domain.Context, job domain.Job) (any, error) {
	var p domain.IngestQAResponsePayload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return nil, fmt.Errorf("op=handlers.ingest_qa: bad payload: %w", domain.ErrInvalidArgument)
	}
	if p.QAItemID == "" || p.DealID == "" || p.Question == "" || p.Answer == "" {
		return nil, fmt.Errorf("op=handlers.ingest_qa: qa_item_id, deal_id, question and answer required: %w", domain.ErrInvalidArgument)
	}
	orgID, err := d.organizationID(ctx, p.DealID)
	if err != nil {
		return nil, err
	}
	episode := domain.Episode{
		DealID:            p.DealID,
		OrganizationID:    orgID,
		Content:           fmt.Sprintf("Q: %s\n\nA: %s", p.Question, p.Answer),
		Name:              "qa-response-" + shortID(p.QAItemID),
		SourceDescription: "answered Q&A item",
		Reference:         d.clock(),
		Confidence:        domain.QAConfidence,
	}
	if err := d.Graph.AddEpisode(ctx, episode); err != nil {
		return nil, fmt.Errorf("op=handlers.ingest_qa deal=%s: %w", p.DealID, err)
	}
	return map[string]any{"episodes": 1}, nil
}

// HandleIngestChatFact records a fact confirmed in chat as a graph
// episode, trusted above document extractions but below Q&A answers.
func (d *Deps) HandleIngestChatFact(ctx domain.Context, job domain.Job) (any, error) {
	var p domain.IngestChatFactPayload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return nil, fmt.Errorf("op=handlers.ingest_chat: bad payload: %w", domain.ErrInvalidArgument)
	}
	if p.MessageID == "" || p.DealID == "" || p.FactContent == "" {
		return nil, fmt.Errorf("op=handlers.ingest_chat: message_id, deal_id and fact_content required: %w", domain.ErrInvalidArgument)
	}
	orgID, err := d.organizationID(ctx, p.DealID)
	if err != nil {
		return nil, err
	}
	source := "fact confirmed in chat"
	if p.MessageContext != "" {
		source = fmt.Sprintf("fact confirmed in chat (%s)", p.MessageContext)
	}
	episode := domain.Episode{
		DealID:            p.DealID,
		OrganizationID:    orgID,
		Content:           p.FactContent,
		Name:              "chat-fact-" + shortID(p.MessageID),
		SourceDescription: source,
		Reference:         d.clock(),
		Confidence:        domain.ChatConfidence,
	}
	if err := d.Graph.AddEpisode(ctx, episode); err != nil {
		return nil, fmt.Errorf("op=handlers.ingest_chat deal=%s: %w", p.DealID, err)
	}
	return map[string]any{"episodes": 1}, nil
}
