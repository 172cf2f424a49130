package pgqueue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dealgraph/dealgraph/internal/adapter/observability"
	"github.com/dealgraph/dealgraph/internal/domain"
)

// HandlerFunc processes one claimed job. The returned output is stored on
// completion; a returned error sends the job through the fail/retry path.
type HandlerFunc func(ctx context.Context, job domain.Job) (any, error)

// WorkerOptions tunes the worker pool.
type WorkerOptions struct {
	Concurrency       int
	BatchSize         int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	ReaperInterval    time.Duration
}

func (o *WorkerOptions) fillDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 15 * time.Minute
	}
	if o.ReaperInterval <= 0 {
		o.ReaperInterval = 30 * time.Second
	}
}

// Worker polls registered job names and dispatches claimed jobs to their
// handlers. One Worker runs a pool of goroutines plus a lease reaper.
type Worker struct {
	queue    *Queue
	opts     WorkerOptions
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	names    []string
}

// NewWorker constructs a Worker over the queue.
func NewWorker(q *Queue, opts WorkerOptions) *Worker {
	opts.fillDefaults()
	return &Worker{queue: q, opts: opts, handlers: map[string]HandlerFunc{}}
}

// Register binds a handler to a job name. Registration must happen before
// Run.
func (w *Worker) Register(name string, h HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.handlers[name]; !dup {
		w.names = append(w.names, name)
	}
	w.handlers[name] = h
}

// Run starts the pool and the reaper and blocks until the context is
// canceled. In-flight jobs finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.RLock()
	if len(w.names) == 0 {
		w.mu.RUnlock()
		return fmt.Errorf("op=worker.run: no handlers registered")
	}
	names := make([]string, len(w.names))
	copy(names, w.names)
	w.mu.RUnlock()

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			w.loop(ctx, names, offset)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reapLoop(ctx)
	}()
	wg.Wait()
	return nil
}

// loop polls names round-robin with an adaptive idle sleep: consecutive
// empty polls stretch the sleep up to the configured poll interval.
func (w *Worker) loop(ctx context.Context, names []string, offset int) {
	idle := 0
	for {
		if ctx.Err() != nil {
			return
		}
		worked := false
		for i := range names {
			name := names[(offset+i)%len(names)]
			jobs, err := w.queue.Dequeue(ctx, name, w.opts.BatchSize, w.opts.VisibilityTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("dequeue failed", "name", name, "error", err)
				continue
			}
			for _, job := range jobs {
				worked = true
				w.process(ctx, job)
			}
		}
		if worked {
			idle = 0
			continue
		}
		idle++
		sleep := time.Duration(idle) * 250 * time.Millisecond
		if sleep > w.opts.PollInterval {
			sleep = w.opts.PollInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (w *Worker) process(ctx context.Context, job domain.Job) {
	tracer := otel.Tracer("queue.worker")
	// Completion and failure updates survive shutdown cancellation.
	jobCtx, span := tracer.Start(ctx, "worker.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.name", job.Name),
		attribute.Int("job.retry_count", job.RetryCount),
	)

	w.mu.RLock()
	handler := w.handlers[job.Name]
	w.mu.RUnlock()

	observability.StartProcessingJob(job.Name)
	start := time.Now()
	output, err := w.runHandler(jobCtx, handler, job)
	elapsed := time.Since(start)

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err != nil {
		slog.Error("job failed", "job_id", job.ID, "name", job.Name,
			"retry_count", job.RetryCount, "elapsed", elapsed, "error", err)
		if job.RetryCount >= job.RetryLimit {
			observability.FailJob(job.Name)
		} else {
			observability.RetryJob(job.Name)
		}
		if ferr := w.queue.Fail(finishCtx, job.ID, err.Error()); ferr != nil {
			slog.Error("failed to record job failure", "job_id", job.ID, "error", ferr)
		}
		return
	}
	slog.Info("job completed", "job_id", job.ID, "name", job.Name, "elapsed", elapsed)
	observability.CompleteJob(job.Name)
	if cerr := w.queue.Complete(finishCtx, job.ID, output); cerr != nil {
		slog.Error("failed to record job completion", "job_id", job.ID, "error", cerr)
	}
}

// runHandler isolates handler panics so one bad job cannot take down the
// pool.
func (w *Worker) runHandler(ctx context.Context, handler HandlerFunc, job domain.Job) (out any, err error) {
	if handler == nil {
		return nil, fmt.Errorf("op=worker.process: no handler for %q", job.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("op=worker.process: panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, job)
}

// reapLoop periodically fails expired leases and refreshes the queue
// depth gauges.
func (w *Worker) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.ReapExpired(ctx)
			if err != nil {
				slog.Error("lease reaper failed", "error", err)
			} else if n > 0 {
				slog.Warn("reaped expired job leases", "count", n)
			}
			counts, err := w.queue.QueueCounts(ctx)
			if err != nil {
				continue
			}
			byState := map[string]int{}
			for _, states := range counts {
				for state, c := range states {
					byState[state] += c
				}
			}
			for state, c := range byState {
				observability.SetQueueDepth(state, float64(c))
			}
		}
	}
}
