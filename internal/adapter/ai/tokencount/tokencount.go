// Package tokencount counts tokens with tiktoken-go. The chunker uses it
// to enforce token budgets; the usage recorder uses it when a provider
// response carries no usage metadata.
package tokencount

import (
	"log/slog"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Gemini, Claude and Voyage publish no tiktoken tables; cl100k_base is
// the closest available approximation for all of them.
const encodingName = "cl100k_base"

// Counter is a thread-safe token counter over a lazily loaded encoding.
type Counter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewCounter constructs an empty Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// Count returns the token count of text. It satisfies the chunker's
// TokenCounter port. Encoding failures fall back to a rough
// four-characters-per-token estimate so chunking never stalls.
func (c *Counter) Count(text string) int {
	enc, err := c.encoding()
	if err != nil {
		slog.Warn("token encoding unavailable, estimating", "error", err)
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateUsage approximates input/output token counts for a call whose
// provider returned no usage metadata.
func (c *Counter) EstimateUsage(prompt, completion string) (in, out int) {
	return c.Count(prompt), c.Count(completion)
}

func (c *Counter) encoding() (*tiktoken.Tiktoken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc != nil {
		return c.enc, nil
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	c.enc = enc
	return enc, nil
}
