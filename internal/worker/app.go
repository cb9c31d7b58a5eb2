package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/forgestack/exportpipe/internal/logging"
	"github.com/forgestack/exportpipe/internal/worker/archive"
	"github.com/forgestack/exportpipe/internal/worker/config"
	"github.com/forgestack/exportpipe/internal/worker/queue"
	"github.com/forgestack/exportpipe/internal/worker/storage"
	"github.com/forgestack/exportpipe/internal/worker/store"
)

// App wires the export worker together: database store, queue, object
// storage, archive producer and the worker loop, plus signal-driven graceful
// shutdown.
type App struct {
	config *config.Config
	logger logging.Logger
	store  *store.PostgresStore
	worker *Worker
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	st, err := store.Open(ctx, cfg.DatabaseDSN,
		store.WithQuota(cfg.ExportsPerHour, time.Hour))
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	q := queue.New(st.Conn(), queue.WithMaxAttempts(cfg.MaxAttempts))

	uploader, err := storage.New(ctx, storage.Config{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PartSize:  cfg.S3PartSize,
		Retention: cfg.StorageRetention,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	w := New(st, q, uploader, archive.NewZipProducer(logger), NewFSResolver(cfg.ProjectsDir), Config{
		Concurrency:             cfg.Concurrency,
		StartRate:               cfg.StartRate,
		PollInterval:            cfg.PollInterval,
		HeartbeatInterval:       cfg.HeartbeatInterval,
		StalledAfter:            cfg.StalledAfter,
		ZipBombThreshold:        cfg.ZipBombThreshold,
		JobTTL:                  cfg.JobTTL,
		ProgressInterval:        cfg.ProgressInterval,
		QueueCompletedRetention: cfg.QueueCompletedRetention,
		QueueFailedRetention:    cfg.QueueFailedRetention,
		JobRowRetention:         cfg.JobRowRetention,
		MaintenanceInterval:     cfg.MaintenanceInterval,
	}, logger)

	return &App{config: cfg, logger: logger, store: st, worker: w}, nil
}

// Worker exposes the wired worker, e.g. for an API layer living in the same
// process to submit jobs and issue download links.
func (app *App) Worker() *Worker { return app.worker }

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run starts the worker and blocks until a termination signal arrives, then
// drains in-flight jobs before returning.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.worker.Run(ctx); err != nil {
			app.logger.Error(ctx, err.Error())
		}
	}()

	wg.Wait()

	if err := app.store.Close(); err != nil {
		app.logger.Error(ctx, err.Error())
	}
}
