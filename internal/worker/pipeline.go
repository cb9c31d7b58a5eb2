package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgestack/exportpipe/internal/exporterr"
	"github.com/forgestack/exportpipe/internal/logging"
	"github.com/forgestack/exportpipe/internal/streamx"
	"github.com/forgestack/exportpipe/internal/worker/archive"
	"github.com/forgestack/exportpipe/internal/worker/models"
	"github.com/forgestack/exportpipe/internal/worker/storage"
	"github.com/forgestack/exportpipe/internal/worker/store"
)

// processExportJob runs one claimed job through the full pipeline:
// resolve the tree, produce the archive stream, fan it out into the hasher
// and the uploader concurrently, verify the compression ratio and finalize
// the job row. The archive is never buffered to disk or memory in full.
func (w *Worker) processExportJob(ctx context.Context, spec *JobSpec, attempt int) error {
	started := w.now()
	processing := models.StatusProcessing
	err := w.store.UpdateExportJob(ctx, spec.JobID, models.JobUpdate{
		Status:    &processing,
		StartedAt: &started,
		Progress:  &models.ExportProgress{Phase: models.PhaseScanning},
	})
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	root, err := w.resolver.ResolveProjectRoot(ctx, spec.ProjectID, spec.VersionID)
	if err != nil {
		return err
	}

	persister := newProgressPersister(w.store, spec.JobID, w.cfg.ProgressInterval, w.log)
	defer persister.stop()

	res, err := w.producer.Produce(ctx, root, archive.Options{
		Exclude:     spec.Options.Exclude,
		MaxFileSize: spec.Options.MaxFileSize,
		OnProgress:  persister.observe,
	})
	if err != nil {
		return fmt.Errorf("produce archive: %w", err)
	}

	totalFiles := res.Metadata.TotalFiles
	estimatedSize := res.Metadata.EstimatedSize
	persister.setTotal(totalFiles)

	err = w.store.UpdateExportJob(ctx, spec.JobID, models.JobUpdate{
		Progress: &models.ExportProgress{
			Phase:               models.PhaseUploading,
			EstimatedTotalFiles: totalFiles,
		},
	})
	if err != nil {
		res.Stream.Close()
		return fmt.Errorf("mark uploading: %w", err)
	}

	key := w.uploader.GenerateKey(spec.UserID, spec.ProjectID, spec.JobID, "zip")

	hasher := sha256.New()
	var upload *storage.UploadResult

	err = streamx.FanOut(ctx, res.Stream,
		func(r io.Reader) error {
			if _, err := io.Copy(hasher, r); err != nil {
				return fmt.Errorf("hash stream: %w", err)
			}
			return nil
		},
		func(r io.Reader) error {
			out, err := w.uploader.UploadStream(ctx, r, key, storage.ObjectMeta{
				UserID:       spec.UserID,
				ProjectID:    spec.ProjectID,
				JobID:        spec.JobID,
				VersionID:    spec.VersionID,
				FileCount:    totalFiles,
				OriginalSize: estimatedSize,
			})
			if err != nil {
				return err
			}
			upload = out
			return nil
		},
	)
	if err != nil {
		return err
	}

	// the compressed size is only known now that the stream has been drained
	ratio := 1.0
	if estimatedSize > 0 {
		ratio = float64(upload.Size) / float64(estimatedSize)
	}
	if estimatedSize > 0 && ratio < w.cfg.ZipBombThreshold {
		if _, derr := w.uploader.DeleteFile(ctx, key); derr != nil {
			w.log.Error(ctx, "failed to delete rejected artifact", "key", key, "error", derr)
		}
		return fmt.Errorf("%w: archive compressed to %.6f of source size", exporterr.ErrIntegrity, ratio)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))

	done := w.now()
	expires := done.Add(w.cfg.JobTTL)
	completed := models.StatusCompleted
	err = w.store.UpdateExportJob(ctx, spec.JobID, models.JobUpdate{
		Status:                &completed,
		CompletedAt:           &done,
		ExpiresAt:             &expires,
		StorageKey:            &key,
		ZipSizeBytes:          &upload.Size,
		UncompressedSizeBytes: &estimatedSize,
		FileCount:             &totalFiles,
		CompressionRatio:      &ratio,
		ExportHash:            &hash,
		RetryCount:            &attempt,
		Progress: &models.ExportProgress{
			Phase:               models.PhaseCompleted,
			FilesScanned:        totalFiles,
			BytesWritten:        upload.Size,
			EstimatedTotalFiles: totalFiles,
		},
	})
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	return nil
}

// progressPersister throttles progress updates flowing from the archive
// producer into the job store. Updates arrive once per archived file, which
// for large trees would hammer the database; instead at most one write per
// interval is issued, asynchronously, with at most one write in flight.
// Dropped updates are harmless: each write carries absolute counters.
type progressPersister struct {
	store    store.Store
	jobID    string
	interval time.Duration
	log      logging.Logger

	total    atomic.Int64
	last     atomic.Int64 // unix nanos of the last issued write
	inflight atomic.Bool
	writes   atomic.Int64

	// mu serializes wg.Add against stop, so a producer goroutine that
	// outlives the pipeline cannot start a write after stop began waiting
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newProgressPersister(st store.Store, jobID string, interval time.Duration, log logging.Logger) *progressPersister {
	return &progressPersister{
		store:    st,
		jobID:    jobID,
		interval: interval,
		log:      log,
	}
}

func (p *progressPersister) setTotal(n int64) {
	p.total.Store(n)
}

// observe is the archive.Options.OnProgress handler. It must return quickly:
// the producing flow is paused while it runs.
func (p *progressPersister) observe(u archive.ProgressUpdate) {
	now := time.Now().UnixNano()
	if now-p.last.Load() < int64(p.interval) {
		return
	}
	if !p.inflight.CompareAndSwap(false, true) {
		return
	}
	p.last.Store(now)

	prog := models.ExportProgress{
		Phase:               models.PhaseUploading,
		FilesScanned:        u.FilesScanned,
		BytesWritten:        u.BytesRead,
		EstimatedTotalFiles: p.total.Load(),
		Message:             u.CurrentFile,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.inflight.Store(false)
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.inflight.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := p.store.UpdateExportJob(ctx, p.jobID, models.JobUpdate{Progress: &prog}); err != nil {
			p.log.Warn(ctx, "progress write failed", "job_id", p.jobID, "error", err)
			return
		}
		p.writes.Add(1)
	}()
}

// stop rejects further updates and blocks until any in-flight write has
// landed. Late callbacks from a producer goroutine that outlives the
// pipeline become no-ops.
func (p *progressPersister) stop() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
