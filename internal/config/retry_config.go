// Package config defines retry and pipeline policy helpers.
package config

import (
	"time"
)

// RetryPolicy bounds stage retries and manual retry pacing.
type RetryPolicy struct {
	// MaxRetryAttempts is the per-stage attempt ceiling counted from
	// retry history.
	MaxRetryAttempts int
	// MaxTotalRetryAttempts caps the per-document retry history.
	MaxTotalRetryAttempts int
	// ManualRetryCooldown is the minimum gap after the newest recorded
	// attempt before a manual retry is accepted.
	ManualRetryCooldown time.Duration
}

// GetRetryPolicy returns the retry policy derived from configuration.
func (c Config) GetRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetryAttempts:      c.MaxRetryAttempts,
		MaxTotalRetryAttempts: c.MaxTotalRetryAttempts,
		ManualRetryCooldown:   c.ManualRetryCooldown(),
	}
}

// ChunkingPolicy carries the token budgets for the chunker.
type ChunkingPolicy struct {
	MinTokens     int
	MaxTokens     int
	OverlapTokens int
}

// GetChunkingPolicy returns the chunking budgets derived from configuration.
func (c Config) GetChunkingPolicy() ChunkingPolicy {
	return ChunkingPolicy{
		MinTokens:     c.ChunkMinTokens,
		MaxTokens:     c.ChunkMaxTokens,
		OverlapTokens: c.ChunkOverlapTokens,
	}
}
