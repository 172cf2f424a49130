// Package ai composes provider adapters into the generation and
// embedding chains and records per-call usage accounting.
package ai

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dealgraph/dealgraph/internal/domain"
	"github.com/dealgraph/dealgraph/internal/service/ratelimiter"
)

// ModelIdentifier is implemented by generation clients that can name
// the provider and concrete model a tier maps to before the call is
// made. The chain uses it for rate-limit bucket keys and the fallback
// log; clients without it share a generic bucket.
type ModelIdentifier interface {
	ModelIdentity(tier domain.ModelTier) (provider, model string)
}

// EmbeddingIdentifier is the embedding-side counterpart.
type EmbeddingIdentifier interface {
	EmbeddingIdentity() (provider, model string)
}

func llmIdentity(c domain.LLMClient, tier domain.ModelTier) (string, string) {
	if id, ok := c.(ModelIdentifier); ok {
		return id.ModelIdentity(tier)
	}
	return "llm", ""
}

func embeddingIdentity(e domain.Embedder) (string, string) {
	if id, ok := e.(EmbeddingIdentifier); ok {
		return id.EmbeddingIdentity()
	}
	return "embed", ""
}

// triggerClass names the failure class that routed a call to the
// fallback provider.
func triggerClass(err error) string {
	switch {
	case errors.Is(err, domain.ErrUpstreamRateLimit):
		return "rate_limit"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrSchemaInvalid):
		return "schema"
	default:
		return "upstream_error"
	}
}

// Chain is an LLM client with a fallback provider. A primary failure,
// after the primary's own retry budget is exhausted, routes the call to
// the fallback. A nil fallback makes the chain single-provider.
type Chain struct {
	primary  domain.LLMClient
	fallback domain.LLMClient
	limiter  ratelimiter.Limiter
}

// NewChain constructs the generation chain.
func NewChain(primary, fallback domain.LLMClient) *Chain {
	return &Chain{primary: primary, fallback: fallback}
}

// WithLimiter attaches a provider-level rate limiter consulted before
// each call. Limiter errors fail open.
func (c *Chain) WithLimiter(l ratelimiter.Limiter) *Chain {
	c.limiter = l
	return c
}

// Generate runs the request through the primary and falls back on error.
func (c *Chain) Generate(ctx domain.Context, req domain.LLMRequest) (domain.LLMResponse, error) {
	tracer := otel.Tracer("ai.chain")
	ctx, span := tracer.Start(ctx, "Chain.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("tier", string(req.Tier)))

	prov, model := llmIdentity(c.primary, req.Tier)
	consultLimiter(ctx, c.limiter, ratelimiter.BucketKey(prov, model))

	resp, err := c.primary.Generate(ctx, req)
	if err == nil {
		return resp, nil
	}
	if c.fallback == nil {
		return domain.LLMResponse{}, err
	}
	fbProv, fbModel := llmIdentity(c.fallback, req.Tier)
	trigger := triggerClass(err)
	slog.Warn("primary llm failed, using fallback",
		slog.String("primary_model", ratelimiter.BucketKey(prov, model)),
		slog.String("fallback_model", ratelimiter.BucketKey(fbProv, fbModel)),
		slog.String("trigger", trigger),
		slog.String("tier", string(req.Tier)),
		slog.Any("error", err))
	span.SetAttributes(attribute.Bool("fallback", true),
		attribute.String("fallback.trigger", trigger))

	consultLimiter(ctx, c.limiter, ratelimiter.BucketKey(fbProv, fbModel))
	resp, ferr := c.fallback.Generate(ctx, req)
	if ferr != nil {
		return domain.LLMResponse{}, fmt.Errorf("op=ai.chain: primary: %v; fallback: %w", err, ferr)
	}
	return resp, nil
}

// EmbedderChain is an embedder with a fallback provider.
type EmbedderChain struct {
	primary  domain.Embedder
	fallback domain.Embedder
	limiter  ratelimiter.Limiter
}

// NewEmbedderChain constructs the embedding chain.
func NewEmbedderChain(primary, fallback domain.Embedder) *EmbedderChain {
	return &EmbedderChain{primary: primary, fallback: fallback}
}

// WithLimiter attaches a provider-level rate limiter. Errors fail open.
func (e *EmbedderChain) WithLimiter(l ratelimiter.Limiter) *EmbedderChain {
	e.limiter = l
	return e
}

// Embed embeds through the primary and falls back on error. The caller
// must not mix vectors across providers within one document; the result
// reports which provider served the whole batch.
func (e *EmbedderChain) Embed(ctx domain.Context, texts []string) (domain.EmbedResult, error) {
	tracer := otel.Tracer("ai.chain")
	ctx, span := tracer.Start(ctx, "EmbedderChain.Embed")
	defer span.End()
	span.SetAttributes(attribute.Int("texts", len(texts)))

	prov, model := embeddingIdentity(e.primary)
	consultLimiter(ctx, e.limiter, ratelimiter.BucketKey(prov, model))

	result, err := e.primary.Embed(ctx, texts)
	if err == nil {
		return result, nil
	}
	if e.fallback == nil {
		return domain.EmbedResult{}, err
	}
	fbProv, fbModel := embeddingIdentity(e.fallback)
	trigger := triggerClass(err)
	slog.Warn("primary embedder failed, using fallback",
		slog.String("primary_model", ratelimiter.BucketKey(prov, model)),
		slog.String("fallback_model", ratelimiter.BucketKey(fbProv, fbModel)),
		slog.String("trigger", trigger),
		slog.Any("error", err))
	span.SetAttributes(attribute.Bool("fallback", true),
		attribute.String("fallback.trigger", trigger))

	consultLimiter(ctx, e.limiter, ratelimiter.BucketKey(fbProv, fbModel))
	result, ferr := e.fallback.Embed(ctx, texts)
	if ferr != nil {
		return domain.EmbedResult{}, fmt.Errorf("op=ai.embedder_chain: primary: %v; fallback: %w", err, ferr)
	}
	return result, nil
}

// consultLimiter asks the limiter for headroom in the provider:model
// bucket and waits out small retry-after windows. Limiter failures
// never block a call.
func consultLimiter(ctx domain.Context, l ratelimiter.Limiter, bucket string) {
	if l == nil {
		return
	}
	allowed, retryAfter, err := l.Allow(ctx, bucket, 1)
	if err != nil {
		slog.Debug("rate limiter unavailable, proceeding", "bucket", bucket, "error", err)
		return
	}
	if allowed || retryAfter <= 0 || retryAfter > 5*time.Second {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(retryAfter):
	}
}
