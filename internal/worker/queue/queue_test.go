package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueueWithMock(t *testing.T, opts ...Option) (*Queue, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return New(db, opts...), mock, db
}

func TestEnqueue_IdempotentOnJobID(t *testing.T) {
	q, mock, db := newQueueWithMock(t)
	defer db.Close()

	ins := `INSERT INTO export_queue .*ON CONFLICT \(id\) DO NOTHING`

	payload := map[string]string{"projectId": "p1"}

	mock.ExpectExec(ins).
		WithArgs("job-1", []byte(`{"projectId":"p1"}`), 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// second submission hits the conflict clause and touches no rows
	mock.ExpectExec(ins).
		WithArgs("job-1", []byte(`{"projectId":"p1"}`), 3).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := q.Enqueue(context.Background(), "job-1", payload)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = q.Enqueue(context.Background(), "job-1", payload)
	require.NoError(t, err)
	assert.False(t, created)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim_ReturnsNilWhenEmpty(t *testing.T) {
	q, mock, db := newQueueWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`UPDATE export_queue SET`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "payload", "attempts", "max_attempts"}))

	job, err := q.Claim(context.Background())

	assert.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaim_MarksRowActive(t *testing.T) {
	q, mock, db := newQueueWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)UPDATE export_queue SET.*FOR UPDATE SKIP LOCKED.*RETURNING id, payload, attempts, max_attempts`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "payload", "attempts", "max_attempts"}).
			AddRow("job-1", []byte(`{"projectId":"p1"}`), 1, 3))

	job, err := q.Claim(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.JSONEq(t, `{"projectId":"p1"}`, string(job.Payload))
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 3, job.MaxAttempts)
}

func TestFail_RequeuesWithBackoffWhileAttemptsRemain(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	q, mock, db := newQueueWithMock(t,
		WithBackoff(2*time.Second, time.Minute),
		WithClock(func() time.Time { return now }),
	)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT attempts, max_attempts FROM export_queue`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts", "max_attempts"}).AddRow(1, 3))
	mock.ExpectExec(`UPDATE export_queue SET state = 'waiting'`).
		WithArgs(now.Add(2*time.Second), "upload failed", now, "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	requeued, err := q.Fail(context.Background(), "job-1", "upload failed", true)

	require.NoError(t, err)
	assert.True(t, requeued)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_DeadLettersAfterMaxAttempts(t *testing.T) {
	q, mock, db := newQueueWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT attempts, max_attempts FROM export_queue`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts", "max_attempts"}).AddRow(3, 3))
	mock.ExpectExec(`UPDATE export_queue SET state = 'failed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	requeued, err := q.Fail(context.Background(), "job-1", "upload failed", true)

	require.NoError(t, err)
	assert.False(t, requeued)
}

func TestFail_TerminalErrorsNeverRequeue(t *testing.T) {
	q, mock, db := newQueueWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT attempts, max_attempts FROM export_queue`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts", "max_attempts"}).AddRow(1, 3))
	mock.ExpectExec(`UPDATE export_queue SET state = 'failed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	requeued, err := q.Fail(context.Background(), "job-1", "integrity check failed", false)

	require.NoError(t, err)
	assert.False(t, requeued)
}

func TestRemove_OnlyDeletesWaitingRows(t *testing.T) {
	q, mock, db := newQueueWithMock(t)
	defer db.Close()

	del := `DELETE FROM export_queue WHERE id = \$1 AND state = 'waiting'`

	mock.ExpectExec(del).WithArgs("job-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(del).WithArgs("job-2").WillReturnResult(sqlmock.NewResult(0, 0))

	removed, err := q.Remove(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, removed)

	// job-2 is already active; removal has no effect
	removed, err = q.Remove(context.Background(), "job-2")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestCounts_SplitsDelayedFromWaiting(t *testing.T) {
	q, mock, db := newQueueWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT\s+count\(\*\) FILTER`).
		WillReturnRows(sqlmock.NewRows([]string{"w", "d", "a", "c", "f"}).
			AddRow(2, 1, 3, 40, 5))

	c, err := q.Counts(context.Background())

	require.NoError(t, err)
	assert.Equal(t, &Counts{Waiting: 2, Delayed: 1, Active: 3, Completed: 40, Failed: 5}, c)
}

func TestClean_PrunesTerminalRows(t *testing.T) {
	q, mock, db := newQueueWithMock(t)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM export_queue`).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := q.Clean(context.Background(), time.Hour, 24*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}

func TestReclaimStalled(t *testing.T) {
	q, mock, db := newQueueWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE export_queue SET\s+state = CASE WHEN attempts < max_attempts`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := q.ReclaimStalled(context.Background(), 5*time.Minute)

	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRetryDelay_GrowsExponentiallyWithCap(t *testing.T) {
	q := New(nil, WithBackoff(2*time.Second, 10*time.Second))

	assert.Equal(t, 2*time.Second, q.retryDelay(1))
	assert.Equal(t, 4*time.Second, q.retryDelay(2))
	assert.Equal(t, 8*time.Second, q.retryDelay(3))
	assert.Equal(t, 10*time.Second, q.retryDelay(4))
	assert.Equal(t, 10*time.Second, q.retryDelay(10))
}
