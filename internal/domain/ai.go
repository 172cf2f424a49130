package domain

// ModelTier selects a model class; tier→model mapping is configuration.
type ModelTier string

const (
	TierFlash ModelTier = "FLASH"
	TierPro   ModelTier = "PRO"
	TierLite  ModelTier = "LITE"
)

// TierForMime picks the analysis tier from a document's mime type.
// Spreadsheets carry dense numeric structure and get the PRO tier.
func TierForMime(mime string) ModelTier {
	if IsSpreadsheet(mime) {
		return TierPro
	}
	return TierFlash
}

// TokenUsage reports provider-measured token counts for one call.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// LLMRequest is one generation call. When JSONSchema is set the provider
// must return output conforming to it (structured mode).
type LLMRequest struct {
	System     string
	Prompt     string
	Tier       ModelTier
	JSONSchema map[string]any
	MaxTokens  int
}

// LLMResponse carries the text plus the provider/model that actually
// served the call (may be the fallback).
type LLMResponse struct {
	Text     string
	Provider string
	Model    string
	Usage    TokenUsage
}

// LLMClient is the generation port.
type LLMClient interface {
	Generate(ctx Context, req LLMRequest) (LLMResponse, error)
}

// EmbedResult carries vectors in input order plus accounting fields.
// Vector dimensionality depends on the serving provider.
type EmbedResult struct {
	Vectors     [][]float32
	Provider    string
	Model       string
	InputTokens int
}

// Embedder is the embedding port.
type Embedder interface {
	Embed(ctx Context, texts []string) (EmbedResult, error)
}
