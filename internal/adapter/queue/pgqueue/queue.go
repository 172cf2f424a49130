// Package pgqueue implements the durable job queue on PostgreSQL.
//
// Jobs live in the jobs table; dequeue is a single UPDATE over a
// FOR UPDATE SKIP LOCKED subselect so concurrent workers never double-take
// a job. Failure applies exponential backoff (retry_delay × 2^retry_count)
// when retry_backoff is set, and flips the job to a terminal failed state
// once the retry limit is exhausted.
package pgqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dealgraph/dealgraph/internal/adapter/observability"
	"github.com/dealgraph/dealgraph/internal/adapter/repo/postgres"
	"github.com/dealgraph/dealgraph/internal/domain"
)

// nameDefaults carries the per-name enqueue defaults.
type nameDefaults struct {
	retryLimit   int
	retryDelay   time.Duration
	retryBackoff bool
	priority     int
}

var defaultsByName = map[string]nameDefaults{
	domain.JobParseDocument:        {3, 60 * time.Second, true, 10},
	domain.JobIngestGraph:          {3, 30 * time.Second, true, 8},
	domain.JobAnalyzeDocument:      {3, 60 * time.Second, true, 6},
	domain.JobExtractFinancials:    {3, 60 * time.Second, true, 4},
	domain.JobDetectContradictions: {2, 120 * time.Second, true, 2},
	domain.JobIngestQAResponse:     {3, 30 * time.Second, true, 8},
	domain.JobIngestChatFact:       {3, 30 * time.Second, true, 8},
	domain.JobAnalyzeFeedback:      {2, 300 * time.Second, false, 1},
	domain.JobAnalyzeFeedbackAll:   {1, 600 * time.Second, false, 1},
}

var fallbackDefaults = nameDefaults{2, 30 * time.Second, false, 0}

// Queue is the PostgreSQL-backed job queue.
type Queue struct {
	Pool postgres.PgxPool
}

// New constructs a Queue on the given pool.
func New(pool postgres.PgxPool) *Queue { return &Queue{Pool: pool} }

const jobColumns = `id, name, data, state, priority, retry_count, retry_limit, retry_delay,
	retry_backoff, start_after, expire_at, created_on, started_on, completed_on, output, last_error`

// Enqueue stores a new job. Options override the per-name defaults field
// by field; nil options use the defaults unchanged.
func (q *Queue) Enqueue(ctx domain.Context, name string, payload any, opts *domain.JobOptions) (string, error) {
	tracer := otel.Tracer("queue.pg")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("job.name", name))

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	d, ok := defaultsByName[name]
	if !ok {
		d = fallbackDefaults
	}
	if opts != nil {
		if opts.Priority != nil {
			d.priority = *opts.Priority
		}
		if opts.RetryLimit != nil {
			d.retryLimit = *opts.RetryLimit
		}
		if opts.RetryDelay != nil {
			d.retryDelay = *opts.RetryDelay
		}
		if opts.RetryBackoff != nil {
			d.retryBackoff = *opts.RetryBackoff
		}
	}
	startAfter := time.Now().UTC()
	if opts != nil && opts.StartAfter != nil {
		startAfter = startAfter.Add(*opts.StartAfter)
	}
	id := uuid.New().String()
	const insert = `INSERT INTO jobs (id, name, data, state, priority, retry_limit, retry_delay, retry_backoff, start_after, created_on)
	VALUES ($1,$2,$3,'created',$4,$5,$6,$7,$8,now())`
	if _, err := q.Pool.Exec(ctx, insert, id, name, data, d.priority, d.retryLimit,
		int(d.retryDelay.Seconds()), d.retryBackoff, startAfter); err != nil {
		return "", fmt.Errorf("op=queue.enqueue name=%s: %w", name, err)
	}
	observability.EnqueueJob(name)
	return id, nil
}

// Dequeue claims up to batchSize due jobs for a name and leases them for
// the visibility timeout. Claimed jobs move to the active state.
func (q *Queue) Dequeue(ctx domain.Context, name string, batchSize int, visibility time.Duration) ([]domain.Job, error) {
	tracer := otel.Tracer("queue.pg")
	ctx, span := tracer.Start(ctx, "queue.Dequeue")
	defer span.End()
	span.SetAttributes(attribute.String("job.name", name), attribute.Int("batch.size", batchSize))

	if batchSize <= 0 {
		batchSize = 1
	}
	const claim = `UPDATE jobs SET state='active', started_on=now(), expire_at=now()+make_interval(secs => $3)
	WHERE id IN (
		SELECT id FROM jobs
		WHERE name=$1 AND state IN ('created','retry') AND start_after <= now()
		ORDER BY priority DESC, created_on ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + jobColumns
	rows, err := q.Pool.Query(ctx, claim, name, batchSize, visibility.Seconds())
	if err != nil {
		return nil, fmt.Errorf("op=queue.dequeue name=%s: %w", name, err)
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("op=queue.dequeue name=%s: %w", name, err)
	}
	return jobs, nil
}

// Complete marks an active job done and stores its optional output.
func (q *Queue) Complete(ctx domain.Context, id string, output any) error {
	var out []byte
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("op=queue.complete: %w", err)
		}
		out = b
	}
	const done = `UPDATE jobs SET state='completed', completed_on=now(), output=$2, expire_at=NULL WHERE id=$1 AND state='active'`
	if _, err := q.Pool.Exec(ctx, done, id, out); err != nil {
		return fmt.Errorf("op=queue.complete: %w", err)
	}
	return nil
}

// Fail records a job failure. Jobs with retries left move to the retry
// state with a backoff delay; exhausted jobs become terminally failed.
func (q *Queue) Fail(ctx domain.Context, id string, errMsg string) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("op=queue.fail: %w", err)
	}
	if job.RetryCount >= job.RetryLimit {
		const dead = `UPDATE jobs SET state='failed', completed_on=now(), last_error=$2, expire_at=NULL WHERE id=$1`
		if _, err := q.Pool.Exec(ctx, dead, id, errMsg); err != nil {
			return fmt.Errorf("op=queue.fail: %w", err)
		}
		return nil
	}
	delay := job.RetryDelay
	if job.RetryBackoff {
		delay = job.RetryDelay * (1 << job.RetryCount)
	}
	const retry = `UPDATE jobs SET state='retry', retry_count=retry_count+1, start_after=now()+make_interval(secs => $2),
		last_error=$3, expire_at=NULL WHERE id=$1`
	if _, err := q.Pool.Exec(ctx, retry, id, delay.Seconds(), errMsg); err != nil {
		return fmt.Errorf("op=queue.fail: %w", err)
	}
	return nil
}

// GetJob loads a job by id or returns domain.ErrNotFound.
func (q *Queue) GetJob(ctx domain.Context, id string) (domain.Job, error) {
	row := q.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=queue.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=queue.get: %w", err)
	}
	return job, nil
}

// QueueCounts returns job counts grouped by name and state.
func (q *Queue) QueueCounts(ctx domain.Context) (map[string]map[string]int, error) {
	rows, err := q.Pool.Query(ctx, `SELECT name, state, COUNT(*) FROM jobs GROUP BY name, state`)
	if err != nil {
		return nil, fmt.Errorf("op=queue.counts: %w", err)
	}
	defer rows.Close()
	out := map[string]map[string]int{}
	for rows.Next() {
		var name, state string
		var n int
		if err := rows.Scan(&name, &state, &n); err != nil {
			return nil, fmt.Errorf("op=queue.counts: %w", err)
		}
		if out[name] == nil {
			out[name] = map[string]int{}
		}
		out[name][state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.counts: %w", err)
	}
	return out, nil
}

// ReapExpired fails every active job whose lease has expired, feeding
// them back through the normal retry path.
func (q *Queue) ReapExpired(ctx domain.Context) (int, error) {
	rows, err := q.Pool.Query(ctx, `SELECT id FROM jobs WHERE state='active' AND expire_at IS NOT NULL AND expire_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("op=queue.reap: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("op=queue.reap: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("op=queue.reap: %w", err)
	}
	reaped := 0
	for _, id := range ids {
		if err := q.Fail(ctx, id, "job lease expired"); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

func scanJobs(rows pgx.Rows) ([]domain.Job, error) {
	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var delaySeconds int
	var lastErr *string
	if err := row.Scan(&j.ID, &j.Name, &j.Data, &j.State, &j.Priority, &j.RetryCount,
		&j.RetryLimit, &delaySeconds, &j.RetryBackoff, &j.StartAfter, &j.ExpireAt,
		&j.CreatedOn, &j.StartedOn, &j.CompletedOn, &j.Output, &lastErr); err != nil {
		return domain.Job{}, err
	}
	j.RetryDelay = time.Duration(delaySeconds) * time.Second
	if lastErr != nil {
		j.LastError = *lastErr
	}
	return j, nil
}
