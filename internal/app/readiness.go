package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dealgraph/dealgraph/internal/config"
)

// Pinger is the minimal interface for a dependency capable of Ping.
// Both the pgx pool and the graph store satisfy it.
type Pinger interface{ Ping(ctx context.Context) error }

// QueueDepthReporter exposes per-queue state counts.
type QueueDepthReporter interface {
	QueueCounts(ctx context.Context) (map[string]map[string]int, error)
}

// BuildReadinessChecks returns the db, graph, and queue readiness probes.
// The queue probe also verifies no queue has an excessive pending
// backlog, which surfaces stalled workers before users notice.
func BuildReadinessChecks(cfg config.Config, pool Pinger, graph Pinger, queue QueueDepthReporter) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	graphCheck := func(ctx context.Context) error {
		if graph == nil {
			return fmt.Errorf("graph not configured")
		}
		return graph.Ping(ctx)
	}
	queueCheck := func(ctx context.Context) error {
		if queue == nil {
			return fmt.Errorf("queue not configured")
		}
		counts, err := queue.QueueCounts(ctx)
		if err != nil {
			return err
		}
		const maxPending = 10000
		for name, states := range counts {
			if states["pending"] > maxPending {
				return fmt.Errorf("queue %s backlog %d exceeds %d", name, states["pending"], maxPending)
			}
		}
		return nil
	}
	return dbCheck, graphCheck, queueCheck
}

// DoclingCheck probes the parse service's health endpoint. Used by the
// worker, which cannot process documents without it.
func DoclingCheck(cfg config.Config) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if cfg.DoclingURL == "" {
			return fmt.Errorf("docling url not configured")
		}
		client := &http.Client{Timeout: 2 * time.Second}
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, cfg.DoclingURL+"/health", nil)
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("docling status %d", resp.StatusCode)
	}
}
