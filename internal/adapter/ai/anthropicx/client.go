// Package anthropicx adapts Anthropic Claude models to the LLM port.
// It serves as the fallback link in the generation chain.
package anthropicx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dealgraph/dealgraph/internal/adapter/observability"
	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
)

const defaultMaxTokens = 8192

// Client calls the Anthropic Messages API.
type Client struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
}

// New constructs a Client from configuration.
func New(cfg config.Config) (*Client, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("op=anthropic.new: ANTHROPIC_API_KEY is required")
	}
	return &Client{
		client:  anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		model:   cfg.ClaudeFallbackModel,
		timeout: cfg.LLMTimeout,
	}, nil
}

// ModelIdentity names the configured fallback model; the tier does not
// change it.
func (c *Client) ModelIdentity(domain.ModelTier) (string, string) {
	return "anthropic", c.model
}

// Generate runs one generation call. Structured mode embeds the schema in
// the system prompt; Claude has no server-side schema enforcement here.
func (c *Client) Generate(ctx domain.Context, req domain.LLMRequest) (domain.LLMResponse, error) {
	start := time.Now()
	observability.AIRequestsTotal.WithLabelValues("anthropic", "generate").Inc()
	defer func() {
		observability.AIRequestDuration.WithLabelValues("anthropic", "generate").Observe(time.Since(start).Seconds())
	}()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	system := req.System
	if req.JSONSchema != nil {
		if schema, err := json.Marshal(req.JSONSchema); err == nil {
			system = strings.TrimSpace(system +
				"\n\nRespond with only a JSON document matching this schema, no prose:\n" + string(schema))
		}
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	msg, err := c.client.Messages.New(callCtx, params)
	if err != nil {
		return domain.LLMResponse{}, fmt.Errorf("op=anthropic.generate model=%s: %w", c.model, mapError(err))
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return domain.LLMResponse{}, fmt.Errorf("op=anthropic.generate model=%s: empty response: %w", c.model, domain.ErrSchemaInvalid)
	}
	out := domain.LLMResponse{
		Text:     b.String(),
		Provider: "anthropic",
		Model:    c.model,
		Usage: domain.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	observability.RecordAITokens("anthropic", c.model, out.Usage.InputTokens, out.Usage.OutputTokens)
	return out, nil
}

// mapError tags rate limits and timeouts with the domain sentinels so the
// chain and classifier see them uniformly.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := context.DeadlineExceeded; strings.Contains(err.Error(), ctxErr.Error()) {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "overloaded") {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamRateLimit, err)
	}
	return err
}
