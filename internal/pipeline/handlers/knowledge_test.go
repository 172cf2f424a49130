package handlers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealgraph/dealgraph/internal/domain"
)

func TestHandleIngestQAResponseAddsHighTrustEpisode(t *testing.T) {
	f := newFixture()

	_, err := f.deps.HandleIngestQAResponse(context.Background(),
		jobFor(domain.JobIngestQAResponse, domain.IngestQAResponsePayload{
			QAItemID: "qa-12345678-rest",
			DealID:   "deal-1",
			Question: "What is the churn rate?",
			Answer:   "Under 2% annually since 2022.",
		}))
	require.NoError(t, err)

	require.Len(t, f.graph.episodes, 1)
	e := f.graph.episodes[0]
	assert.Equal(t, "qa-response-qa-12345", e.Name)
	assert.Equal(t, "Q: What is the churn rate?\n\nA: Under 2% annually since 2022.", e.Content)
	assert.Equal(t, "org-1", e.OrganizationID)
	assert.InDelta(t, domain.QAConfidence, e.Confidence, 1e-9)
}

func TestHandleIngestQAResponseRequiresAllFields(t *testing.T) {
	f := newFixture()
	_, err := f.deps.HandleIngestQAResponse(context.Background(),
		jobFor(domain.JobIngestQAResponse, domain.IngestQAResponsePayload{
			QAItemID: "qa-1", DealID: "deal-1", Question: "unanswered?",
		}))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Empty(t, f.graph.episodes)
}

func TestHandleIngestChatFactAddsEpisode(t *testing.T) {
	f := newFixture()

	_, err := f.deps.HandleIngestChatFact(context.Background(),
		jobFor(domain.JobIngestChatFact, domain.IngestChatFactPayload{
			MessageID:      "msg-abcdef01",
			DealID:         "deal-1",
			FactContent:    "The Berlin office headcount is 45.",
			MessageContext: "deal kickoff call notes",
		}))
	require.NoError(t, err)

	require.Len(t, f.graph.episodes, 1)
	e := f.graph.episodes[0]
	assert.Equal(t, "chat-fact-msg-abcd", e.Name)
	assert.Equal(t, "The Berlin office headcount is 45.", e.Content)
	assert.Contains(t, e.SourceDescription, "deal kickoff call notes")
	assert.InDelta(t, domain.ChatConfidence, e.Confidence, 1e-9)
}

func TestHandleIngestChatFactUnknownDealFails(t *testing.T) {
	f := newFixture()
	_, err := f.deps.HandleIngestChatFact(context.Background(),
		jobFor(domain.JobIngestChatFact, domain.IngestChatFactPayload{
			MessageID: "msg-1", DealID: "deal-unknown", FactContent: "a fact",
		}))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, f.graph.episodes)
}

func TestHandleIngestQAResponseGraphFailurePropagates(t *testing.T) {
	f := newFixture()
	f.graph.err = domain.ErrGraphUnavailable
	_, err := f.deps.HandleIngestQAResponse(context.Background(),
		jobFor(domain.JobIngestQAResponse, domain.IngestQAResponsePayload{
			QAItemID: "qa-1", DealID: "deal-1", Question: "q", Answer: "a",
		}))
	assert.ErrorIs(t, err, domain.ErrGraphUnavailable)
}
