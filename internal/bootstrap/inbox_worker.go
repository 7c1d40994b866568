package bootstrap

import (
	"context"
	"sync"
	"time"

	"inbox_server/adapter/in/worker"
	"inbox_server/adapter/out/messaging"
	"inbox_server/config"
	"inbox_server/pkg/logger"
)

// Worker is the background process: stream consumer, job pool, and the
// periodic schedulers.
type Worker struct {
	pool          *worker.Pool
	consumer      *messaging.Consumer
	syncScheduler *worker.SyncScheduler
	retrySchedule *worker.RetrySchedule
	deps          *Dependencies
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewWorker builds the worker process.
func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	logger.Init(logger.Config{
		Level:   logger.LevelInfo,
		Service: "inbox-worker",
	})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	handler := worker.NewHandler(deps.SyncService, deps.AccountRepo, deps.ZLog)

	poolConfig := worker.DefaultPoolConfig()
	if cfg.WorkerMax > 0 {
		poolConfig.MaxWorkers = cfg.WorkerMax
	}
	if cfg.WorkerQueueSize > 0 {
		poolConfig.QueueSize = cfg.WorkerQueueSize
	}
	pool := worker.NewPool(handler, poolConfig, deps.ZLog)

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		pool:   pool,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
	}

	w.consumer = messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
		Group:                "inbox-workers",
		Consumer:             cfg.WorkerID,
		Streams:              []string{messaging.StreamInboxSync, messaging.StreamInboxWebhook},
		Handler:              worker.NewStreamBridge(pool, deps.ZLog),
		Logger:               deps.ZLog,
		MaxRetries:           cfg.ConsumerMaxRetries,
		PendingCheckInterval: time.Duration(cfg.ConsumerPendingCheckSec) * time.Second,
	})

	if cfg.SchedulerEnabled {
		interval := time.Duration(cfg.SchedulerIntervalMin) * time.Minute
		w.syncScheduler = worker.NewSyncScheduler(deps.AccountRepo, deps.Producer, interval, deps.ZLog)
		w.retrySchedule = worker.NewRetrySchedule(deps.SyncStateRepo, deps.Producer, deps.ZLog)
	}

	return w, cleanup, nil
}

// Start runs the worker until the context is cancelled.
func (w *Worker) Start() {
	w.pool.Start()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		logger.Info("Starting stream consumer...")
		if err := w.consumer.Run(w.ctx); err != nil && err != context.Canceled {
			logger.Error("Stream consumer error: %v", err)
		}
	}()

	if w.syncScheduler != nil {
		w.syncScheduler.Start()
	}
	if w.retrySchedule != nil {
		w.retrySchedule.Start()
	}

	<-w.ctx.Done()
}

// Stop shuts the worker down in dependency order: stop intake first,
// then drain the pool.
func (w *Worker) Stop() {
	w.cancel()

	if w.syncScheduler != nil {
		w.syncScheduler.Stop()
	}
	if w.retrySchedule != nil {
		w.retrySchedule.Stop()
	}

	w.wg.Wait()
	w.pool.Stop()
}

// GetMetrics exposes pool counters.
func (w *Worker) GetMetrics() worker.PoolMetrics {
	return w.pool.GetMetrics()
}
