package domain

import (
	"fmt"
	"time"
)

// Graph confidence tiers by ingestion source.
// Invariant: QA > chat > document.
const (
	QAConfidence       = 0.95
	ChatConfidence     = 0.90
	DocumentConfidence = 0.85
)

// GroupID builds the canonical tenant namespace for graph reads and
// writes. Every episode, node, and edge carries it; every search filters
// by it.
func GroupID(organizationID, dealID string) string {
	return organizationID + ":" + dealID
}

// LegacyGroupID is the underscore form some early rows were written
// under. Read paths may match both; write paths never use it.
func LegacyGroupID(organizationID, dealID string) string {
	return organizationID + "_" + dealID
}

// Episode is a unit of text ingested into the temporal knowledge graph.
// Episodes are append-only; truth evolution is represented by typed edges.
type Episode struct {
	DealID            string
	OrganizationID    string
	Content           string
	Name              string
	SourceDescription string
	Reference         time.Time
	Confidence        float64
}

// GroupID of the episode's namespace.
func (e Episode) GroupID() string {
	return GroupID(e.OrganizationID, e.DealID)
}

// Validate checks the fields the isolation invariant depends on.
func (e Episode) Validate() error {
	if e.OrganizationID == "" || e.DealID == "" {
		return fmt.Errorf("episode missing tenant scope: %w", ErrInvalidArgument)
	}
	if e.Content == "" {
		return fmt.Errorf("episode content empty: %w", ErrInvalidArgument)
	}
	return nil
}

// GraphSearchResult is one tenant-scoped hit from the knowledge graph.
type GraphSearchResult struct {
	UUID      string
	Name      string
	Content   string
	Score     float64
	GroupID   string
	CreatedAt time.Time
}

// GraphStore is the temporal knowledge-graph port.
// Implementations must never return data outside the episode's group and
// must process same-group episodes sequentially.
type GraphStore interface {
	AddEpisode(ctx Context, e Episode) error
	Search(ctx Context, dealID, organizationID, query string, numResults int) ([]GraphSearchResult, error)
	Close(ctx Context) error
}
