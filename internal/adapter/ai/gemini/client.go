// Package gemini adapts Google Gemini models to the LLM and embedding
// ports. It is the primary provider in the generation chain.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/genai"

	"github.com/dealgraph/dealgraph/internal/adapter/observability"
	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
)

// Client calls the Gemini API for generation and embeddings.
type Client struct {
	client  *genai.Client
	cfg     config.Config
	timeout time.Duration
}

// New constructs a Client from configuration.
func New(ctx context.Context, cfg config.Config) (*Client, error) {
	if cfg.GoogleAPIKey == "" {
		return nil, fmt.Errorf("op=gemini.new: GOOGLE_API_KEY is required")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GoogleAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("op=gemini.new: %w", err)
	}
	return &Client{client: c, cfg: cfg, timeout: cfg.LLMTimeout}, nil
}

// ModelIdentity names the model serving a generation tier.
func (c *Client) ModelIdentity(tier domain.ModelTier) (string, string) {
	return "gemini", c.cfg.TierModel(string(tier))
}

// EmbeddingIdentity names the embedding model.
func (c *Client) EmbeddingIdentity() (string, string) {
	return "gemini", c.cfg.GeminiEmbedModel
}

// Generate runs one generation call with retry/backoff. Structured mode
// (JSONSchema set) forces a JSON response.
func (c *Client) Generate(ctx domain.Context, req domain.LLMRequest) (domain.LLMResponse, error) {
	model := c.cfg.TierModel(string(req.Tier))
	start := time.Now()
	observability.AIRequestsTotal.WithLabelValues("gemini", "generate").Inc()
	defer func() {
		observability.AIRequestDuration.WithLabelValues("gemini", "generate").Observe(time.Since(start).Seconds())
	}()

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.2),
	}
	system := req.System
	if req.JSONSchema != nil {
		cfg.ResponseMIMEType = "application/json"
		if schema, err := json.Marshal(req.JSONSchema); err == nil {
			system = strings.TrimSpace(system + "\n\nRespond with JSON matching this schema:\n" + string(schema))
		}
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}

	var resp *genai.GenerateContentResponse
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		var err error
		resp, err = c.client.Models.GenerateContent(callCtx, model, contents, cfg)
		if err != nil {
			return classifyAPIError(err)
		}
		return nil
	}
	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		return domain.LLMResponse{}, fmt.Errorf("op=gemini.generate model=%s: %w", model, err)
	}

	text := responseText(resp)
	if text == "" {
		return domain.LLMResponse{}, fmt.Errorf("op=gemini.generate model=%s: empty response: %w", model, domain.ErrSchemaInvalid)
	}
	out := domain.LLMResponse{Text: text, Provider: "gemini", Model: model}
	if resp.UsageMetadata != nil {
		out.Usage = domain.TokenUsage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	observability.RecordAITokens("gemini", model, out.Usage.InputTokens, out.Usage.OutputTokens)
	return out, nil
}

// Embed computes embeddings for all texts in one batched call.
func (c *Client) Embed(ctx domain.Context, texts []string) (domain.EmbedResult, error) {
	if len(texts) == 0 {
		return domain.EmbedResult{Provider: "gemini", Model: c.cfg.GeminiEmbedModel}, nil
	}
	start := time.Now()
	observability.AIRequestsTotal.WithLabelValues("gemini", "embed").Inc()
	defer func() {
		observability.AIRequestDuration.WithLabelValues("gemini", "embed").Observe(time.Since(start).Seconds())
	}()

	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}

	var result *genai.EmbedContentResponse
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		var err error
		result, err = c.client.Models.EmbedContent(callCtx, c.cfg.GeminiEmbedModel, contents, nil)
		if err != nil {
			return classifyAPIError(err)
		}
		return nil
	}
	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		return domain.EmbedResult{}, fmt.Errorf("op=gemini.embed model=%s: %w", c.cfg.GeminiEmbedModel, err)
	}
	if result == nil || len(result.Embeddings) != len(texts) {
		return domain.EmbedResult{}, fmt.Errorf("op=gemini.embed: got %d embeddings for %d inputs: %w",
			embeddingCount(result), len(texts), domain.ErrSchemaInvalid)
	}
	vectors := make([][]float32, len(texts))
	for i, e := range result.Embeddings {
		vectors[i] = e.Values
	}
	return domain.EmbedResult{
		Vectors:  vectors,
		Provider: "gemini",
		Model:    c.cfg.GeminiEmbedModel,
	}, nil
}

func embeddingCount(r *genai.EmbedContentResponse) int {
	if r == nil {
		return 0
	}
	return len(r.Embeddings)
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOffContext {
	maxElapsed, initial, maxInterval, multiplier := c.cfg.GetAIBackoffConfig()
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = maxElapsed
	expo.InitialInterval = initial
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return backoff.WithContext(expo, ctx)
}

// classifyAPIError maps provider errors onto the domain sentinels and
// marks non-retryable statuses permanent so backoff stops immediately.
func classifyAPIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return fmt.Errorf("%w: %s", domain.ErrUpstreamRateLimit, apiErr.Message)
		case apiErr.Code >= 500:
			return fmt.Errorf("gemini server error %d: %s", apiErr.Code, apiErr.Message)
		case apiErr.Code >= 400:
			return backoff.Permanent(fmt.Errorf("gemini request rejected %d: %s", apiErr.Code, apiErr.Message))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamRateLimit, err)
	}
	slog.Debug("gemini call failed, retrying", "error", err)
	return err
}

// responseText concatenates the text parts of the first candidate that
// produced any.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				b.WriteString(part.Text)
			}
		}
		if b.Len() > 0 {
			break
		}
	}
	return b.String()
}
