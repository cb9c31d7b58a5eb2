// Package store persists export jobs and download records. The Store
// interface is the contract the worker depends on; PostgresStore is the
// production implementation.
package store

import (
	"context"
	"time"

	"github.com/forgestack/exportpipe/internal/worker/models"
)

// CreateJobParams describes a new export job. ID is optional; a UUID is
// generated when empty.
type CreateJobParams struct {
	ID              string
	ProjectID       string
	UserID          string
	VersionID       string
	ExportType      string
	ClientRequestID string
}

// Store is the job-state contract consumed by the worker. All job mutations
// flow through UpdateExportJob; the worker never touches rows directly.
type Store interface {
	// CreateExportJob inserts a queued job. Returns exporterr.ErrDuplicateJob
	// when an active job already exists for the (projectId, versionId,
	// clientRequestId) dedupe key, and a *exporterr.QuotaError when the user
	// exceeded the rolling export-rate limit.
	CreateExportJob(ctx context.Context, p CreateJobParams) (*models.ExportJob, error)

	// UpdateExportJob applies the non-nil fields of upd. Applicable in any
	// status; used both for progress ticks and terminal transitions.
	UpdateExportJob(ctx context.Context, jobID string, upd models.JobUpdate) error

	// GetExportJob is ownership-scoped: it returns (nil, nil) when the job
	// does not exist or belongs to another user. A completed job past its
	// expiry is transitioned to expired before being returned.
	GetExportJob(ctx context.Context, jobID, userID string) (*models.ExportJob, error)

	// ListExportJobs returns a page of the user's jobs, newest first, plus
	// the total count. projectID narrows the listing when non-empty.
	ListExportJobs(ctx context.Context, userID, projectID string, limit, offset int) ([]*models.ExportJob, int64, error)

	// RecordDownload appends one audit row.
	RecordDownload(ctx context.Context, rec *models.DownloadRecord) error

	// CleanupExpiredExports marks completed jobs past their expiry as
	// expired and returns the keys of the objects to delete.
	CleanupExpiredExports(ctx context.Context) ([]string, error)

	// DeleteOldExports removes terminal job rows older than the retention
	// window and returns how many were deleted.
	DeleteOldExports(ctx context.Context, olderThan time.Duration) (int64, error)

	// GetQueueMetrics counts job rows by status.
	GetQueueMetrics(ctx context.Context) (*models.QueueMetrics, error)

	// GetDownloadAnalytics aggregates download rows over the last `days`
	// days. userID may be "all"; projectID narrows when non-empty.
	GetDownloadAnalytics(ctx context.Context, userID, projectID string, days int) (*models.DownloadAnalytics, error)
}
