package ai_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealgraph/dealgraph/internal/adapter/ai"
	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
)

type fakeLLM struct {
	resp  domain.LLMResponse
	err   error
	calls int
}

func (f *fakeLLM) Generate(_ domain.Context, _ domain.LLMRequest) (domain.LLMResponse, error) {
	f.calls++
	return f.resp, f.err
}

type fakeEmbedder struct {
	result domain.EmbedResult
	err    error
	calls  int
}

func (f *fakeEmbedder) Embed(_ domain.Context, _ []string) (domain.EmbedResult, error) {
	f.calls++
	return f.result, f.err
}

func TestChainUsesPrimaryWhenHealthy(t *testing.T) {
	primary := &fakeLLM{resp: domain.LLMResponse{Text: "ok", Provider: "gemini"}}
	fallback := &fakeLLM{resp: domain.LLMResponse{Text: "fb", Provider: "anthropic"}}
	chain := ai.NewChain(primary, fallback)

	resp, err := chain.Generate(context.Background(), domain.LLMRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "gemini", resp.Provider)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 0, fallback.calls)
}

func TestChainFallsBackOnPrimaryError(t *testing.T) {
	primary := &fakeLLM{err: errors.New("gemini down")}
	fallback := &fakeLLM{resp: domain.LLMResponse{Text: "fb", Provider: "anthropic"}}
	chain := ai.NewChain(primary, fallback)

	resp, err := chain.Generate(context.Background(), domain.LLMRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, 1, fallback.calls)
}

func TestChainReportsBothErrorsWhenAllFail(t *testing.T) {
	primary := &fakeLLM{err: errors.New("gemini down")}
	fallback := &fakeLLM{err: errors.New("claude down")}
	chain := ai.NewChain(primary, fallback)

	_, err := chain.Generate(context.Background(), domain.LLMRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gemini down")
	assert.Contains(t, err.Error(), "claude down")
}

func TestChainWithoutFallbackPropagatesError(t *testing.T) {
	primary := &fakeLLM{err: errors.New("gemini down")}
	chain := ai.NewChain(primary, nil)

	_, err := chain.Generate(context.Background(), domain.LLMRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, 1, primary.calls)
}

func TestEmbedderChainFallsBack(t *testing.T) {
	primary := &fakeEmbedder{err: errors.New("voyage down")}
	fallback := &fakeEmbedder{result: domain.EmbedResult{
		Vectors:  [][]float32{{0.1}},
		Provider: "gemini",
	}}
	chain := ai.NewEmbedderChain(primary, fallback)

	result, err := chain.Embed(context.Background(), []string{"alpha"})
	require.NoError(t, err)
	assert.Equal(t, "gemini", result.Provider)
	assert.Equal(t, 1, fallback.calls)
}

func TestEmbedderChainPrimaryWins(t *testing.T) {
	primary := &fakeEmbedder{result: domain.EmbedResult{Provider: "voyage"}}
	fallback := &fakeEmbedder{}
	chain := ai.NewEmbedderChain(primary, fallback)

	result, err := chain.Embed(context.Background(), []string{"alpha"})
	require.NoError(t, err)
	assert.Equal(t, "voyage", result.Provider)
	assert.Equal(t, 0, fallback.calls)
}

type namedLLM struct {
	fakeLLM
	provider, model string
}

func (n *namedLLM) ModelIdentity(domain.ModelTier) (string, string) { return n.provider, n.model }

type namedEmbedder struct {
	fakeEmbedder
	provider, model string
}

func (n *namedEmbedder) EmbeddingIdentity() (string, string) { return n.provider, n.model }

type bucketRecorder struct {
	mu      sync.Mutex
	buckets []string
}

func (r *bucketRecorder) Allow(_ context.Context, bucket string, _ int64) (bool, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets = append(r.buckets, bucket)
	return true, 0, nil
}

func TestChainConsultsPerModelBuckets(t *testing.T) {
	primary := &namedLLM{
		fakeLLM:  fakeLLM{err: fmt.Errorf("op=gemini.generate: %w", domain.ErrUpstreamRateLimit)},
		provider: "gemini", model: "gemini-2.5-flash",
	}
	fallback := &namedLLM{
		fakeLLM:  fakeLLM{resp: domain.LLMResponse{Text: "fb", Provider: "anthropic"}},
		provider: "anthropic", model: "claude-sonnet-4-20250514",
	}
	limiter := &bucketRecorder{}
	chain := ai.NewChain(primary, fallback).WithLimiter(limiter)

	_, err := chain.Generate(context.Background(), domain.LLMRequest{Prompt: "hi", Tier: domain.TierFlash})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"gemini:gemini-2.5-flash",
		"anthropic:claude-sonnet-4-20250514",
	}, limiter.buckets)
}

func TestEmbedderChainConsultsPerModelBucket(t *testing.T) {
	primary := &namedEmbedder{
		fakeEmbedder: fakeEmbedder{result: domain.EmbedResult{Provider: "voyage"}},
		provider:     "voyage", model: "voyage-3",
	}
	limiter := &bucketRecorder{}
	chain := ai.NewEmbedderChain(primary, nil).WithLimiter(limiter)

	_, err := chain.Embed(context.Background(), []string{"alpha"})
	require.NoError(t, err)
	assert.Equal(t, []string{"voyage:voyage-3"}, limiter.buckets)
}

type logCapture struct {
	mu    sync.Mutex
	msgs  []string
	attrs []map[string]string
}

func (h *logCapture) Enabled(context.Context, slog.Level) bool { return true }
func (h *logCapture) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	got := map[string]string{}
	r.Attrs(func(a slog.Attr) bool {
		got[a.Key] = a.Value.String()
		return true
	})
	h.msgs = append(h.msgs, r.Message)
	h.attrs = append(h.attrs, got)
	return nil
}
func (h *logCapture) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *logCapture) WithGroup(string) slog.Handler      { return h }

func (h *logCapture) find(substr string) map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, msg := range h.msgs {
		if strings.Contains(msg, substr) {
			return h.attrs[i]
		}
	}
	return nil
}

func TestChainFallbackLogsModelsAndTrigger(t *testing.T) {
	capture := &logCapture{}
	prev := slog.Default()
	slog.SetDefault(slog.New(capture))
	t.Cleanup(func() { slog.SetDefault(prev) })

	primary := &namedLLM{
		fakeLLM:  fakeLLM{err: fmt.Errorf("op=gemini.generate: %w", domain.ErrUpstreamRateLimit)},
		provider: "gemini", model: "gemini-2.5-flash",
	}
	fallback := &namedLLM{
		fakeLLM:  fakeLLM{resp: domain.LLMResponse{Text: "fb", Provider: "anthropic"}},
		provider: "anthropic", model: "claude-sonnet-4-20250514",
	}
	chain := ai.NewChain(primary, fallback)

	_, err := chain.Generate(context.Background(), domain.LLMRequest{Prompt: "hi", Tier: domain.TierFlash})
	require.NoError(t, err)

	logged := capture.find("fallback")
	require.NotNil(t, logged, "fallback should emit a structured log event")
	assert.Equal(t, "gemini:gemini-2.5-flash", logged["primary_model"])
	assert.Equal(t, "anthropic:claude-sonnet-4-20250514", logged["fallback_model"])
	assert.Equal(t, "rate_limit", logged["trigger"])
}

func TestChainFallbackTriggerTimeout(t *testing.T) {
	capture := &logCapture{}
	prev := slog.Default()
	slog.SetDefault(slog.New(capture))
	t.Cleanup(func() { slog.SetDefault(prev) })

	primary := &namedLLM{
		fakeLLM:  fakeLLM{err: fmt.Errorf("op=gemini.generate: %w", domain.ErrUpstreamTimeout)},
		provider: "gemini", model: "gemini-2.5-pro",
	}
	fallback := &namedLLM{
		fakeLLM:  fakeLLM{resp: domain.LLMResponse{Text: "fb"}},
		provider: "anthropic", model: "claude-sonnet-4-20250514",
	}
	_, err := ai.NewChain(primary, fallback).Generate(context.Background(),
		domain.LLMRequest{Prompt: "hi", Tier: domain.TierPro})
	require.NoError(t, err)

	logged := capture.find("fallback")
	require.NotNil(t, logged)
	assert.Equal(t, "timeout", logged["trigger"])
}

type usageRepoStub struct {
	records []domain.UsageRecord
	err     error
}

func (s *usageRepoStub) Record(_ domain.Context, u domain.UsageRecord) error {
	s.records = append(s.records, u)
	return s.err
}

func TestRecorderWritesUsageRow(t *testing.T) {
	repo := &usageRepoStub{}
	catalog, err := config.LoadModelCatalog()
	require.NoError(t, err)
	rec := ai.NewRecorder(repo, catalog)

	rec.RecordGeneration(context.Background(), ai.Scope{OrganizationID: "org-1", DealID: "deal-1"},
		"analyze", domain.LLMResponse{
			Provider: "gemini", Model: "gemini-2.5-flash",
			Usage: domain.TokenUsage{InputTokens: 1000, OutputTokens: 500},
		}, 250*time.Millisecond)

	require.Len(t, repo.records, 1)
	r := repo.records[0]
	assert.Equal(t, "analyze", r.Feature)
	assert.Equal(t, "gemini", r.Provider)
	assert.Equal(t, 1000, r.InputTokens)
	assert.Equal(t, int64(250), r.LatencyMS)
	require.NotNil(t, r.DealID)
	assert.Equal(t, "deal-1", *r.DealID)
	assert.Nil(t, r.UserID)
}

func TestRecorderSurvivesRepoError(t *testing.T) {
	repo := &usageRepoStub{err: errors.New("db down")}
	rec := ai.NewRecorder(repo, nil)

	assert.NotPanics(t, func() {
		rec.RecordEmbedding(context.Background(), ai.Scope{}, "embed",
			domain.EmbedResult{Provider: "voyage", InputTokens: 12}, time.Millisecond)
	})
	require.Len(t, repo.records, 1)
	assert.Equal(t, float64(0), repo.records[0].CostUSD)
}

func TestRecorderNilRepoIsNoop(t *testing.T) {
	rec := ai.NewRecorder(nil, nil)
	assert.NotPanics(t, func() {
		rec.RecordGeneration(context.Background(), ai.Scope{}, "x", domain.LLMResponse{}, 0)
	})
}
