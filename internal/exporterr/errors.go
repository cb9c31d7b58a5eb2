// Package exporterr defines the error kinds shared across the export
// pipeline. Callers classify failures with errors.Is/errors.As.
package exporterr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation means the request shape is bad; rejected before any job
	// row is created, never recorded as a job failure.
	ErrValidation = errors.New("validation error")

	// ErrDuplicateJob means an active job already exists for the dedupe key
	// (projectId, versionId, clientRequestId). Callers should poll the
	// existing job instead of retrying creation.
	ErrDuplicateJob = errors.New("duplicate export job")

	// ErrQuota means the rolling export-rate limit was exceeded.
	ErrQuota = errors.New("export quota exceeded")

	// ErrNotFound covers a missing project or job.
	ErrNotFound = errors.New("not found")

	// ErrStorage covers upload/signing failures; the queue retries these
	// with backoff up to its attempt limit.
	ErrStorage = errors.New("storage error")

	// ErrIntegrity means the compression-ratio check failed. Always terminal:
	// re-running against the same file tree reproduces the same ratio.
	ErrIntegrity = errors.New("integrity check failed")
)

// QuotaError carries a retry-after hint alongside ErrQuota.
type QuotaError struct {
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("export quota exceeded, retry after %s", e.RetryAfter)
}

func (e *QuotaError) Unwrap() error { return ErrQuota }

// IsRetryable reports whether the queue should re-attempt a job that failed
// with err. Integrity and validation failures are deterministic and terminal.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrIntegrity) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateJob) ||
		errors.Is(err, ErrQuota) ||
		errors.Is(err, ErrNotFound) {
		return false
	}
	return true
}
