package domain

import "time"

// Event types published on the document lifecycle topic.
const (
	EventDocumentParsed        = "document.parsed"
	EventDocumentCompleted     = "document.completed"
	EventDocumentFailed        = "document.failed"
	EventContradictionDetected = "contradiction.detected"
)

// Event is a best-effort lifecycle notification. Publishing failures are
// logged and never fail the emitting stage.
type Event struct {
	Type           string         `json:"type"`
	DocumentID     string         `json:"document_id,omitempty"`
	DealID         string         `json:"deal_id"`
	OrganizationID string         `json:"organization_id,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// EventPublisher is the lifecycle-event port. A nil publisher is valid
// and drops events.
type EventPublisher interface {
	Publish(ctx Context, e Event) error
}
