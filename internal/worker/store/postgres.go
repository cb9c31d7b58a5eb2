package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/forgestack/exportpipe/internal/dbx"
	"github.com/forgestack/exportpipe/internal/exporterr"
	"github.com/forgestack/exportpipe/internal/worker/models"
	"github.com/forgestack/exportpipe/internal/worker/store/migrations"
)

const pgUniqueViolation = "23505"

const jobColumns = `id, project_id, user_id, version_id, export_type, client_request_id,
	status, progress_phase, files_scanned, bytes_written, estimated_total_files, progress_message,
	created_at, started_at, completed_at, expires_at,
	storage_key, zip_size_bytes, uncompressed_size_bytes, file_count, compression_ratio, export_hash,
	error_message, retry_count`

// PostgresStore implements Store over a PostgreSQL database.
type PostgresStore struct {
	db          *sql.DB
	quotaLimit  int
	quotaWindow time.Duration
	now         func() time.Time
}

// Option configures a PostgresStore.
type Option func(*PostgresStore)

// WithQuota sets the rolling export-rate limit: at most limit job creations
// per user within window.
func WithQuota(limit int, window time.Duration) Option {
	return func(s *PostgresStore) {
		s.quotaLimit = limit
		s.quotaWindow = window
	}
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(s *PostgresStore) { s.now = now }
}

func NewPostgresStore(db *sql.DB, opts ...Option) *PostgresStore {
	s := &PostgresStore{
		db:          db,
		quotaLimit:  10,
		quotaWindow: time.Hour,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn with the pgx stdlib driver, runs the embedded
// migrations and returns a ready store.
func Open(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	s := NewPostgresStore(db, opts...)
	if err := s.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return s, nil
}

// Conn exposes the underlying handle so the queue can share the database.
func (s *PostgresStore) Conn() *sql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

// RunMigrations applies the embedded goose migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.UpContext(ctx, s.db, "."); err != nil {
		return err
	}

	return nil
}

func (s *PostgresStore) CreateExportJob(ctx context.Context, p CreateJobParams) (*models.ExportJob, error) {
	if p.ProjectID == "" || p.UserID == "" || p.ClientRequestID == "" {
		return nil, fmt.Errorf("%w: projectId, userId and clientRequestId are required", exporterr.ErrValidation)
	}
	if p.ExportType == "" {
		p.ExportType = models.ExportTypeZip
	}
	if p.ExportType != models.ExportTypeZip {
		return nil, fmt.Errorf("%w: unsupported export type %q", exporterr.ErrValidation, p.ExportType)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	if err := s.checkQuota(ctx, p.UserID); err != nil {
		return nil, err
	}

	query := `INSERT INTO export_jobs (id, project_id, user_id, version_id, export_type, client_request_id)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query, p.ID, p.ProjectID, p.UserID, p.VersionID, p.ExportType, p.ClientRequestID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("%w: project %s request %s", exporterr.ErrDuplicateJob, p.ProjectID, p.ClientRequestID)
		}
		return nil, fmt.Errorf("insert export job: %w", err)
	}

	return s.getByID(ctx, p.ID)
}

func (s *PostgresStore) checkQuota(ctx context.Context, userID string) error {
	if s.quotaLimit <= 0 {
		return nil
	}

	query := `SELECT count(*), coalesce(min(created_at), now()) FROM export_jobs
		WHERE user_id = $1 AND created_at > $2`

	var n int
	var oldest time.Time
	since := s.now().Add(-s.quotaWindow)
	if err := s.db.QueryRowContext(ctx, query, userID, since).Scan(&n, &oldest); err != nil {
		return fmt.Errorf("quota check: %w", err)
	}

	if n >= s.quotaLimit {
		retryAfter := oldest.Add(s.quotaWindow).Sub(s.now())
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &exporterr.QuotaError{RetryAfter: retryAfter}
	}

	return nil
}

func (s *PostgresStore) UpdateExportJob(ctx context.Context, jobID string, upd models.JobUpdate) error {
	sets := make([]string, 0, 16)
	args := make([]any, 0, 16)

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.Progress != nil {
		add("progress_phase", upd.Progress.Phase)
		add("files_scanned", upd.Progress.FilesScanned)
		add("bytes_written", upd.Progress.BytesWritten)
		add("estimated_total_files", upd.Progress.EstimatedTotalFiles)
		add("progress_message", upd.Progress.Message)
	}
	if upd.StartedAt != nil {
		add("started_at", *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		add("completed_at", *upd.CompletedAt)
	}
	if upd.ExpiresAt != nil {
		add("expires_at", *upd.ExpiresAt)
	}
	if upd.StorageKey != nil {
		add("storage_key", *upd.StorageKey)
	}
	if upd.ZipSizeBytes != nil {
		add("zip_size_bytes", *upd.ZipSizeBytes)
	}
	if upd.UncompressedSizeBytes != nil {
		add("uncompressed_size_bytes", *upd.UncompressedSizeBytes)
	}
	if upd.FileCount != nil {
		add("file_count", *upd.FileCount)
	}
	if upd.CompressionRatio != nil {
		add("compression_ratio", *upd.CompressionRatio)
	}
	if upd.ExportHash != nil {
		add("export_hash", *upd.ExportHash)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.RetryCount != nil {
		add("retry_count", *upd.RetryCount)
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, jobID)
	query := fmt.Sprintf("UPDATE export_jobs SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update export job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: export job %s", exporterr.ErrNotFound, jobID)
	}

	return nil
}

func (s *PostgresStore) GetExportJob(ctx context.Context, jobID, userID string) (*models.ExportJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM export_jobs WHERE id = $1 AND user_id = $2`, jobColumns)

	job, err := scanJob(s.db.QueryRowContext(ctx, query, jobID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select export job: %w", err)
	}

	// lazy expiry on access
	if job.Expired(s.now()) {
		status := models.StatusExpired
		if err := s.UpdateExportJob(ctx, job.ID, models.JobUpdate{Status: &status}); err != nil {
			return nil, err
		}
		job.Status = models.StatusExpired
	}

	return job, nil
}

func (s *PostgresStore) getByID(ctx context.Context, jobID string) (*models.ExportJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM export_jobs WHERE id = $1`, jobColumns)

	job, err := scanJob(s.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		return nil, fmt.Errorf("select export job: %w", err)
	}

	return job, nil
}

func (s *PostgresStore) ListExportJobs(ctx context.Context, userID, projectID string, limit, offset int) ([]*models.ExportJob, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	filter := "user_id = $1"
	args := []any{userID}
	if projectID != "" {
		args = append(args, projectID)
		filter += fmt.Sprintf(" AND project_id = $%d", len(args))
	}

	var total int64
	countQuery := fmt.Sprintf("SELECT count(*) FROM export_jobs WHERE %s", filter)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count export jobs: %w", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM export_jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, filter, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("select export jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ExportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return jobs, total, nil
}

func (s *PostgresStore) RecordDownload(ctx context.Context, rec *models.DownloadRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	query := `INSERT INTO export_downloads
		(id, export_job_id, user_id, project_id, ip, user_agent, referrer, size_bytes, duration_ms, success, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.ExportJobID, rec.UserID, rec.ProjectID, rec.IP, rec.UserAgent,
		rec.Referrer, rec.SizeBytes, rec.DurationMs, rec.Success, rec.SessionID)
	if err != nil {
		return fmt.Errorf("insert download record: %w", err)
	}

	return nil
}

// CleanupExpiredExports flips completed-but-expired jobs to expired and
// returns their storage keys so the caller can delete the objects.
func (s *PostgresStore) CleanupExpiredExports(ctx context.Context) ([]string, error) {
	var keys []string

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query := `UPDATE export_jobs SET status = 'expired'
			WHERE status = 'completed' AND expires_at IS NOT NULL AND expires_at < $1
			RETURNING storage_key`

		rows, err := tx.QueryContext(ctx, query, s.now())
		if err != nil {
			return fmt.Errorf("expire jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var key sql.NullString
			if err := rows.Scan(&key); err != nil {
				return err
			}
			if key.Valid && key.String != "" {
				keys = append(keys, key.String)
			}
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return keys, nil
}

func (s *PostgresStore) DeleteOldExports(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `DELETE FROM export_jobs
		WHERE status IN ('completed', 'failed', 'expired') AND created_at < $1`

	res, err := s.db.ExecContext(ctx, query, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("delete old exports: %w", err)
	}

	return res.RowsAffected()
}

func (s *PostgresStore) GetQueueMetrics(ctx context.Context) (*models.QueueMetrics, error) {
	query := `SELECT status, count(*) FROM export_jobs GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("queue metrics: %w", err)
	}
	defer rows.Close()

	m := &models.QueueMetrics{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch status {
		case models.StatusQueued:
			m.Queued = n
		case models.StatusProcessing:
			m.Processing = n
		case models.StatusCompleted:
			m.Completed = n
		case models.StatusFailed:
			m.Failed = n
		case models.StatusExpired:
			m.Expired = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return m, nil
}

func (s *PostgresStore) GetDownloadAnalytics(ctx context.Context, userID, projectID string, days int) (*models.DownloadAnalytics, error) {
	if days <= 0 {
		days = 30
	}

	filter := "created_at > $1"
	args := []any{s.now().AddDate(0, 0, -days)}

	if userID != "" && userID != "all" {
		args = append(args, userID)
		filter += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if projectID != "" {
		args = append(args, projectID)
		filter += fmt.Sprintf(" AND project_id = $%d", len(args))
	}

	query := fmt.Sprintf(`SELECT count(*), count(DISTINCT user_id), coalesce(sum(size_bytes), 0),
			coalesce(avg(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0),
			coalesce(avg(duration_ms), 0)
		FROM export_downloads WHERE %s`, filter)

	a := &models.DownloadAnalytics{WindowDays: days}
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&a.TotalDownloads, &a.UniqueUsers, &a.TotalBytes, &a.SuccessRate, &a.AvgDurationMs)
	if err != nil {
		return nil, fmt.Errorf("download analytics: %w", err)
	}

	if a.UniqueUsers > 0 {
		a.DownloadsPerUser = float64(a.TotalDownloads) / float64(a.UniqueUsers)
	}

	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*models.ExportJob, error) {
	var job models.ExportJob
	var startedAt, completedAt, expiresAt sql.NullTime
	var storageKey, exportHash sql.NullString
	var zipSize, uncompressedSize, fileCount sql.NullInt64
	var ratio sql.NullFloat64

	err := r.Scan(
		&job.ID, &job.ProjectID, &job.UserID, &job.VersionID, &job.ExportType, &job.ClientRequestID,
		&job.Status, &job.Progress.Phase, &job.Progress.FilesScanned, &job.Progress.BytesWritten,
		&job.Progress.EstimatedTotalFiles, &job.Progress.Message,
		&job.CreatedAt, &startedAt, &completedAt, &expiresAt,
		&storageKey, &zipSize, &uncompressedSize, &fileCount, &ratio, &exportHash,
		&job.ErrorMessage, &job.RetryCount,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if expiresAt.Valid {
		job.ExpiresAt = &expiresAt.Time
	}
	job.StorageKey = storageKey.String
	job.ZipSizeBytes = zipSize.Int64
	job.UncompressedSizeBytes = uncompressedSize.Int64
	job.FileCount = fileCount.Int64
	job.CompressionRatio = ratio.Float64
	job.ExportHash = exportHash.String

	return &job, nil
}
