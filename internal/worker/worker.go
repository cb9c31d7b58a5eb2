// Package worker drives the asynchronous export pipeline: a bounded pool of
// rate-limited consumers claims jobs from the durable queue and runs each one
// through scan → fan-out(hash, upload) → finalize, keeping the job store
// updated throughout.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/forgestack/exportpipe/internal/exporterr"
	"github.com/forgestack/exportpipe/internal/logging"
	"github.com/forgestack/exportpipe/internal/worker/archive"
	"github.com/forgestack/exportpipe/internal/worker/models"
	"github.com/forgestack/exportpipe/internal/worker/queue"
	"github.com/forgestack/exportpipe/internal/worker/storage"
	"github.com/forgestack/exportpipe/internal/worker/store"
)

// ExportOptions narrows what ends up in the archive.
type ExportOptions struct {
	Exclude     []string `json:"exclude,omitempty"`
	MaxFileSize int64    `json:"maxFileSize,omitempty"`
}

// JobSpec is the queue payload describing one export. The caller supplies
// JobID, which doubles as the queue key: re-submitting the same id is a no-op
// while the job is enqueued or executing.
type JobSpec struct {
	JobID      string        `json:"jobId"`
	ProjectID  string        `json:"projectId"`
	UserID     string        `json:"userId"`
	VersionID  string        `json:"versionId,omitempty"`
	ExportType string        `json:"exportType"`
	Options    ExportOptions `json:"options"`
}

// JobQueue is the durable-queue surface the worker consumes.
// *queue.Queue satisfies it.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, payload any) (bool, error)
	Claim(ctx context.Context) (*queue.Job, error)
	Heartbeat(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, errMsg string, retryable bool) (bool, error)
	Remove(ctx context.Context, jobID string) (bool, error)
	Counts(ctx context.Context) (*queue.Counts, error)
	Clean(ctx context.Context, completedOlderThan, failedOlderThan time.Duration) (int64, error)
	ReclaimStalled(ctx context.Context, silence time.Duration) (int64, error)
}

// ObjectStore is the uploader surface the pipeline uses.
// *storage.Uploader satisfies it.
type ObjectStore interface {
	GenerateKey(userID, projectID, jobID, ext string) string
	UploadStream(ctx context.Context, r io.Reader, key string, meta storage.ObjectMeta) (*storage.UploadResult, error)
	GenerateSignedDownloadURL(ctx context.Context, key string, ttl time.Duration, filename string) (string, error)
	DeleteFile(ctx context.Context, key string) (bool, error)
	CleanupExpiredExports(ctx context.Context) (int, error)
}

// Config tunes the worker. Zero values fall back to defaults.
type Config struct {
	// Concurrency is the number of parallel pipeline slots.
	Concurrency int

	// StartRate caps job starts per second, independent of Concurrency,
	// to smooth bursts.
	StartRate float64

	// PollInterval is how long an idle slot waits before re-polling the queue.
	PollInterval time.Duration

	// HeartbeatInterval refreshes the queue's stall detector for active jobs.
	HeartbeatInterval time.Duration

	// StalledAfter is the heartbeat silence after which maintenance reclaims
	// an active queue row.
	StalledAfter time.Duration

	// ZipBombThreshold rejects archives whose compressed/uncompressed ratio
	// falls below it: such over-compression marks a suspicious source tree.
	ZipBombThreshold float64

	// JobTTL sets expiresAt on completion; expired artifacts are swept.
	JobTTL time.Duration

	// ProgressInterval throttles progress persistence during streaming.
	ProgressInterval time.Duration

	// QueueCompletedRetention / QueueFailedRetention bound queue history.
	QueueCompletedRetention time.Duration
	QueueFailedRetention    time.Duration

	// JobRowRetention bounds how long terminal job rows are kept.
	JobRowRetention time.Duration

	// MaintenanceInterval paces the retention/stall sweeps; 0 disables them.
	MaintenanceInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.StartRate <= 0 {
		c.StartRate = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.StalledAfter <= 0 {
		c.StalledAfter = 5 * time.Minute
	}
	if c.ZipBombThreshold <= 0 {
		c.ZipBombThreshold = 0.001
	}
	if c.JobTTL <= 0 {
		c.JobTTL = 24 * time.Hour
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 500 * time.Millisecond
	}
	if c.QueueCompletedRetention <= 0 {
		c.QueueCompletedRetention = time.Hour
	}
	if c.QueueFailedRetention <= 0 {
		c.QueueFailedRetention = 24 * time.Hour
	}
	if c.JobRowRetention <= 0 {
		c.JobRowRetention = 30 * 24 * time.Hour
	}
}

// Health is the worker's liveness surface.
type Health struct {
	IsRunning   bool  `json:"isRunning"`
	Concurrency int   `json:"concurrency"`
	Processed   int64 `json:"processed"`
	Failed      int64 `json:"failed"`
}

// Worker consumes export jobs from the queue and executes them. Construct it
// with New and drive it with Run; it holds no global state, so several can
// coexist in one process (and several processes can share one queue).
type Worker struct {
	cfg      Config
	store    store.Store
	queue    JobQueue
	uploader ObjectStore
	producer archive.Producer
	resolver ProjectResolver
	log      logging.Logger

	limiter *rate.Limiter
	slots   *semaphore.Weighted

	running   atomic.Bool
	processed atomic.Int64
	failed    atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

func New(st store.Store, q JobQueue, up ObjectStore, p archive.Producer, r ProjectResolver, cfg Config, log logging.Logger) *Worker {
	cfg.withDefaults()

	return &Worker{
		cfg:      cfg,
		store:    st,
		queue:    q,
		uploader: up,
		producer: p,
		resolver: r,
		log:      log.With("module", "export_worker"),
		limiter:  rate.NewLimiter(rate.Limit(cfg.StartRate), 1),
		slots:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// AddExportJob enqueues spec under its own JobID. The corresponding ExportJob
// row must already exist (queued); the worker never creates job rows. Returns
// the queue job id, which equals spec.JobID.
func (w *Worker) AddExportJob(ctx context.Context, spec JobSpec) (string, error) {
	if spec.JobID == "" || spec.ProjectID == "" || spec.UserID == "" {
		return "", fmt.Errorf("%w: jobId, projectId and userId are required", exporterr.ErrValidation)
	}
	if spec.ExportType == "" {
		spec.ExportType = models.ExportTypeZip
	}

	created, err := w.queue.Enqueue(ctx, spec.JobID, spec)
	if err != nil {
		return "", err
	}
	if !created {
		w.log.Debug(ctx, "job already enqueued", "job_id", spec.JobID)
	}

	return spec.JobID, nil
}

// Run blocks consuming jobs until ctx is cancelled (or Shutdown is called),
// then drains in-flight pipelines before returning.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.running.Store(true)
	defer w.running.Store(false)
	defer close(w.done)

	if w.cfg.MaintenanceInterval > 0 {
		go w.maintenanceLoop(ctx)
	}

	w.log.Info(ctx, "export worker started",
		"concurrency", w.cfg.Concurrency, "start_rate", w.cfg.StartRate)

	var wg sync.WaitGroup
	for {
		if err := w.slots.Acquire(ctx, 1); err != nil {
			break
		}
		if err := w.limiter.Wait(ctx); err != nil {
			w.slots.Release(1)
			break
		}

		job, err := w.queue.Claim(ctx)
		if err != nil {
			w.slots.Release(1)
			if ctx.Err() != nil {
				break
			}
			w.log.Error(ctx, "queue claim failed", "error", err)
			sleepCtx(ctx, w.cfg.PollInterval)
			continue
		}
		if job == nil {
			w.slots.Release(1)
			sleepCtx(ctx, w.cfg.PollInterval)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.slots.Release(1)
			// in-flight jobs run to completion even during shutdown
			w.handle(context.WithoutCancel(ctx), job)
		}()
	}

	wg.Wait()
	w.log.Info(context.Background(), "export worker stopped",
		"processed", w.processed.Load(), "failed", w.failed.Load())

	return nil
}

// Shutdown stops accepting work and waits for in-flight pipelines to finish,
// up to ctx's deadline.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// QueueStatus reports queue counts by state.
func (w *Worker) QueueStatus(ctx context.Context) (*queue.Counts, error) {
	return w.queue.Counts(ctx)
}

// RemoveJob is best-effort cancellation: it prevents a not-yet-started job
// from starting and has no effect on an executing pipeline.
func (w *Worker) RemoveJob(ctx context.Context, jobID string) (bool, error) {
	return w.queue.Remove(ctx, jobID)
}

// CleanJobs prunes queue history beyond the configured retention windows.
func (w *Worker) CleanJobs(ctx context.Context) (int64, error) {
	return w.queue.Clean(ctx, w.cfg.QueueCompletedRetention, w.cfg.QueueFailedRetention)
}

// Health reports liveness and throughput counters.
func (w *Worker) Health() Health {
	return Health{
		IsRunning:   w.running.Load(),
		Concurrency: w.cfg.Concurrency,
		Processed:   w.processed.Load(),
		Failed:      w.failed.Load(),
	}
}

// SignedDownloadURL issues a download link for a completed job owned by
// userID. It returns exporterr.ErrNotFound for a missing or foreign job and
// an empty URL while the job is not yet completed.
func (w *Worker) SignedDownloadURL(ctx context.Context, jobID, userID string, ttl time.Duration, filename string) (string, error) {
	job, err := w.store.GetExportJob(ctx, jobID, userID)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", fmt.Errorf("%w: export job %s", exporterr.ErrNotFound, jobID)
	}
	if job.Status != models.StatusCompleted || job.StorageKey == "" {
		return "", nil
	}

	return w.uploader.GenerateSignedDownloadURL(ctx, job.StorageKey, ttl, filename)
}

func (w *Worker) handle(ctx context.Context, qj *queue.Job) {
	log := w.log.With("job_id", qj.ID, "attempt", qj.Attempts)

	var spec JobSpec
	if err := json.Unmarshal(qj.Payload, &spec); err != nil {
		w.finishFailure(ctx, qj, fmt.Errorf("%w: malformed job payload: %v", exporterr.ErrValidation, err))
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx, qj.ID)

	started := w.now()
	if err := w.processExportJob(ctx, &spec, qj.Attempts); err != nil {
		log.Error(ctx, "export job failed", "error", err, "elapsed", w.now().Sub(started))
		w.finishFailure(ctx, qj, err)
		return
	}

	if err := w.queue.Complete(ctx, qj.ID); err != nil {
		log.Error(ctx, "failed to mark queue job completed", "error", err)
	}
	w.processed.Add(1)
	log.Info(ctx, "export job completed", "elapsed", w.now().Sub(started))
}

// finishFailure records the failed attempt on the job row and hands the
// retry decision to the queue. completedAt is only stamped once the job is
// permanently dead.
func (w *Worker) finishFailure(ctx context.Context, qj *queue.Job, jobErr error) {
	w.failed.Add(1)

	requeued, err := w.queue.Fail(ctx, qj.ID, jobErr.Error(), exporterr.IsRetryable(jobErr))
	if err != nil {
		w.log.Error(ctx, "failed to record queue failure", "job_id", qj.ID, "error", err)
	}

	status := models.StatusFailed
	msg := jobErr.Error()
	upd := models.JobUpdate{
		Status:       &status,
		ErrorMessage: &msg,
		RetryCount:   &qj.Attempts,
	}
	if !requeued {
		now := w.now()
		upd.CompletedAt = &now
	}

	if err := w.store.UpdateExportJob(ctx, qj.ID, upd); err != nil {
		w.log.Error(ctx, "failed to record job failure", "job_id", qj.ID, "error", err)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, jobID string) {
	t := time.NewTicker(w.cfg.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.queue.Heartbeat(ctx, jobID); err != nil && ctx.Err() == nil {
				w.log.Warn(ctx, "heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (w *Worker) maintenanceLoop(ctx context.Context) {
	t := time.NewTicker(w.cfg.MaintenanceInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.runMaintenance(ctx)
		}
	}
}

// runMaintenance performs one round of the retention and stall sweeps. Each
// step is independent; a failure in one does not stop the others.
func (w *Worker) runMaintenance(ctx context.Context) {
	if n, err := w.queue.ReclaimStalled(ctx, w.cfg.StalledAfter); err != nil {
		w.log.Error(ctx, "stalled-job reclaim failed", "error", err)
	} else if n > 0 {
		w.log.Warn(ctx, "reclaimed stalled jobs", "count", n)
	}

	keys, err := w.store.CleanupExpiredExports(ctx)
	if err != nil {
		w.log.Error(ctx, "job expiry sweep failed", "error", err)
	}
	for _, key := range keys {
		if _, err := w.uploader.DeleteFile(ctx, key); err != nil {
			w.log.Error(ctx, "failed to delete expired artifact", "key", key, "error", err)
		}
	}

	if n, err := w.uploader.CleanupExpiredExports(ctx); err != nil {
		w.log.Error(ctx, "storage retention sweep failed", "error", err)
	} else if n > 0 {
		w.log.Info(ctx, "storage retention sweep deleted objects", "count", n)
	}

	if _, err := w.store.DeleteOldExports(ctx, w.cfg.JobRowRetention); err != nil {
		w.log.Error(ctx, "job row retention sweep failed", "error", err)
	}

	if _, err := w.CleanJobs(ctx); err != nil {
		w.log.Error(ctx, "queue history pruning failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
