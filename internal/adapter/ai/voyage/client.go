// Package voyage adapts the Voyage AI embeddings API to the Embedder
// port. Voyage is the primary embedding provider; Gemini embeddings
// serve as the fallback.
package voyage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dealgraph/dealgraph/internal/adapter/observability"
	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
)

const defaultBaseURL = "https://api.voyageai.com/v1"

// maxBatchSize is the provider's documented per-request input limit.
const maxBatchSize = 128

// Client calls the Voyage embeddings endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	cfg        config.Config
}

// New constructs a Client from configuration.
func New(cfg config.Config) (*Client, error) {
	if cfg.VoyageAPIKey == "" {
		return nil, fmt.Errorf("op=voyage.new: VOYAGE_API_KEY is required")
	}
	return &Client{
		baseURL:    defaultBaseURL,
		apiKey:     cfg.VoyageAPIKey,
		model:      cfg.VoyageEmbedModel,
		httpClient: &http.Client{
			Timeout:   cfg.LLMTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cfg:        cfg,
	}, nil
}

// WithBaseURL overrides the API endpoint (tests).
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = u
	return c
}

// EmbeddingIdentity names the configured embedding model.
func (c *Client) EmbeddingIdentity() (string, string) {
	return "voyage", c.model
}

type embedRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed computes embeddings for all texts, batching to the provider
// limit. Vectors come back in input order.
func (c *Client) Embed(ctx domain.Context, texts []string) (domain.EmbedResult, error) {
	out := domain.EmbedResult{Provider: "voyage", Model: c.model}
	if len(texts) == 0 {
		return out, nil
	}
	start := time.Now()
	observability.AIRequestsTotal.WithLabelValues("voyage", "embed").Inc()
	defer func() {
		observability.AIRequestDuration.WithLabelValues("voyage", "embed").Observe(time.Since(start).Seconds())
	}()

	out.Vectors = make([][]float32, 0, len(texts))
	for lo := 0; lo < len(texts); lo += maxBatchSize {
		hi := lo + maxBatchSize
		if hi > len(texts) {
			hi = len(texts)
		}
		vectors, tokens, err := c.embedBatch(ctx, texts[lo:hi])
		if err != nil {
			return domain.EmbedResult{}, fmt.Errorf("op=voyage.embed model=%s: %w", c.model, err)
		}
		out.Vectors = append(out.Vectors, vectors...)
		out.InputTokens += tokens
	}
	observability.RecordAITokens("voyage", c.model, out.InputTokens, 0)
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, int, error) {
	body, err := json.Marshal(embedRequest{Input: batch, Model: c.model, InputType: "document"})
	if err != nil {
		return nil, 0, err
	}

	var parsed embedResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: voyage 429", domain.ErrUpstreamRateLimit)
		case resp.StatusCode >= 500:
			return fmt.Errorf("voyage server error %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("voyage request rejected %d: %s", resp.StatusCode, truncate(raw, 200)))
		}
		parsed = embedResponse{}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err))
		}
		return nil
	}
	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		return nil, 0, err
	}

	if len(parsed.Data) != len(batch) {
		return nil, 0, fmt.Errorf("got %d embeddings for %d inputs: %w", len(parsed.Data), len(batch), domain.ErrSchemaInvalid)
	}
	vectors := make([][]float32, len(batch))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(batch) {
			return nil, 0, fmt.Errorf("embedding index %d out of range: %w", d.Index, domain.ErrSchemaInvalid)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, parsed.Usage.TotalTokens, nil
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

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
