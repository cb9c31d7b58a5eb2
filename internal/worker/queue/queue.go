// Package queue implements the durable job queue backing the export worker.
//
// Rows live in the export_queue table of the same database as the job store.
// Claims are atomic (FOR UPDATE SKIP LOCKED), so any number of worker
// processes can consume from one queue without extra locking. Failed jobs are
// re-scheduled with exponential backoff until their attempt budget runs out,
// then kept as failed rows (never silently dropped).
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/forgestack/exportpipe/internal/dbx"
)

// Queue states. A waiting row whose run_after lies in the future is reported
// as delayed; the column value stays "waiting".
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Job is one claimed queue entry. Payload is the JSON job description given
// to Enqueue.
type Job struct {
	ID          string
	Payload     []byte
	Attempts    int
	MaxAttempts int
}

// Counts mirrors the queue's monitoring surface.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Queue is a Postgres-backed durable job queue.
type Queue struct {
	db          *sql.DB
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	now         func() time.Time
}

type Option func(*Queue)

// WithMaxAttempts bounds how often a job is retried before it is dead.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithBackoff sets the base and cap of the exponential retry delay.
func WithBackoff(base, cap time.Duration) Option {
	return func(q *Queue) {
		q.backoffBase = base
		q.backoffCap = cap
	}
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:          db,
		maxAttempts: 3,
		backoffBase: 2 * time.Second,
		backoffCap:  time.Minute,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue inserts a waiting row keyed by the caller-supplied job id, with
// payload serialized as JSON. Re-enqueueing an id that is already present is
// a no-op, which makes submission idempotent. Returns true when a new row was
// created.
func (q *Queue) Enqueue(ctx context.Context, jobID string, payload any) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}

	query := `INSERT INTO export_queue (id, payload, max_attempts) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`

	res, err := q.db.ExecContext(ctx, query, jobID, data, q.maxAttempts)
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}

	return n == 1, nil
}

// Claim atomically takes the oldest runnable waiting row and marks it active.
// Returns (nil, nil) when nothing is runnable.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	query := `UPDATE export_queue SET
			state = 'active',
			attempts = attempts + 1,
			claimed_at = $1,
			heartbeat_at = $1,
			updated_at = $1
		WHERE id = (
			SELECT id FROM export_queue
			WHERE state = 'waiting' AND run_after <= $1
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, payload, attempts, max_attempts`

	job := &Job{}
	err := q.db.QueryRowContext(ctx, query, q.now()).Scan(&job.ID, &job.Payload, &job.Attempts, &job.MaxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	return job, nil
}

// Heartbeat refreshes the stall detector for an active job.
func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	query := `UPDATE export_queue SET heartbeat_at = $1, updated_at = $1
		WHERE id = $2 AND state = 'active'`

	if _, err := q.db.ExecContext(ctx, query, q.now(), jobID); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Complete marks an active job done.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	query := `UPDATE export_queue SET state = 'completed', updated_at = $1 WHERE id = $2`

	if _, err := q.db.ExecContext(ctx, query, q.now(), jobID); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

// Fail records a failed attempt. When retryable and the attempt budget is not
// exhausted the job goes back to waiting with an exponential delay; otherwise
// it stays failed for good. Returns true when the job was re-scheduled.
func (q *Queue) Fail(ctx context.Context, jobID, errMsg string, retryable bool) (bool, error) {
	requeued := false

	err := dbx.WithTx(ctx, q.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var attempts, maxAttempts int
		row := tx.QueryRowContext(ctx,
			`SELECT attempts, max_attempts FROM export_queue WHERE id = $1 FOR UPDATE`, jobID)
		if err := row.Scan(&attempts, &maxAttempts); err != nil {
			return fmt.Errorf("select queue row: %w", err)
		}

		if retryable && attempts < maxAttempts {
			delay := q.retryDelay(attempts)
			_, err := tx.ExecContext(ctx,
				`UPDATE export_queue SET state = 'waiting', run_after = $1, last_error = $2, updated_at = $3
					WHERE id = $4`,
				q.now().Add(delay), errMsg, q.now(), jobID)
			if err != nil {
				return fmt.Errorf("requeue: %w", err)
			}
			requeued = true
			return nil
		}

		_, err := tx.ExecContext(ctx,
			`UPDATE export_queue SET state = 'failed', last_error = $1, updated_at = $2 WHERE id = $3`,
			errMsg, q.now(), jobID)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	})

	return requeued, err
}

// retryDelay walks the exponential schedule to the given attempt number.
func (q *Queue) retryDelay(attempt int) time.Duration {
	b := retry.WithCappedDuration(q.backoffCap, retry.NewExponential(q.backoffBase))

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		d, stop := b.Next()
		if stop {
			break
		}
		delay = d
	}
	return delay
}

// Remove deletes a job that has not been claimed yet. Active or finished rows
// are left alone: there is no mid-pipeline cancellation. Returns true when a
// waiting row was removed.
func (q *Queue) Remove(ctx context.Context, jobID string) (bool, error) {
	query := `DELETE FROM export_queue WHERE id = $1 AND state = 'waiting'`

	res, err := q.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return false, fmt.Errorf("remove: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}

	return n == 1, nil
}

// Counts reports rows per state. Waiting rows scheduled in the future count
// as delayed.
func (q *Queue) Counts(ctx context.Context) (*Counts, error) {
	query := `SELECT
			count(*) FILTER (WHERE state = 'waiting' AND run_after <= $1),
			count(*) FILTER (WHERE state = 'waiting' AND run_after > $1),
			count(*) FILTER (WHERE state = 'active'),
			count(*) FILTER (WHERE state = 'completed'),
			count(*) FILTER (WHERE state = 'failed')
		FROM export_queue`

	c := &Counts{}
	err := q.db.QueryRowContext(ctx, query, q.now()).
		Scan(&c.Waiting, &c.Delayed, &c.Active, &c.Completed, &c.Failed)
	if err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}

	return c, nil
}

// Clean prunes terminal rows older than the given retention windows.
func (q *Queue) Clean(ctx context.Context, completedOlderThan, failedOlderThan time.Duration) (int64, error) {
	query := `DELETE FROM export_queue
		WHERE (state = 'completed' AND updated_at < $1)
		   OR (state = 'failed' AND updated_at < $2)`

	now := q.now()
	res, err := q.db.ExecContext(ctx, query, now.Add(-completedOlderThan), now.Add(-failedOlderThan))
	if err != nil {
		return 0, fmt.Errorf("clean: %w", err)
	}

	return res.RowsAffected()
}

// ReclaimStalled returns active rows whose heartbeat went silent back to
// waiting (or failed, once out of attempts). This is the queue-level stall
// detection that indirectly bounds job liveness.
func (q *Queue) ReclaimStalled(ctx context.Context, silence time.Duration) (int64, error) {
	query := `UPDATE export_queue SET
			state = CASE WHEN attempts < max_attempts THEN 'waiting' ELSE 'failed' END,
			last_error = 'stalled: worker heartbeat lost',
			updated_at = $1
		WHERE state = 'active' AND heartbeat_at < $2`

	now := q.now()
	res, err := q.db.ExecContext(ctx, query, now, now.Add(-silence))
	if err != nil {
		return 0, fmt.Errorf("reclaim stalled: %w", err)
	}

	return res.RowsAffected()
}
