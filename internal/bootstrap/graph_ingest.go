package bootstrap

import (
	"context"
	"os"
	"sync"

	"mailgraph/adapter/in/worker"
	"mailgraph/adapter/out/messaging"
	"mailgraph/config"
	"mailgraph/core/domain"
	"mailgraph/core/port/out"
	"mailgraph/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Worker is the ingest side of the daemon: the job pool, the stream
// consumer feeding it and the scheduler keeping accounts fresh.
type Worker struct {
	pool      *worker.Pool
	consumer  *messaging.Consumer
	scheduler *worker.Scheduler
	deps      *Dependencies
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	zlog      zerolog.Logger
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	logger.Init(logger.Config{
		Level:   logger.ParseLevel(cfg.LogLevel),
		Service: "mailgraph-ingest",
	})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "ingest").Logger()

	handler := worker.NewHandler(deps.Coordinator, deps.Engine)

	poolConfig := worker.DefaultPoolConfig()
	if cfg.WorkerMax > 0 {
		poolConfig.Workers = cfg.WorkerMax
	}
	if cfg.WorkerQueueSize > 0 {
		poolConfig.WorkerChanSize = cfg.WorkerQueueSize
	}
	pool := worker.NewPool(handler, poolConfig, zlog)

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		pool:   pool,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	w.consumer = messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
		Stream:     messaging.StreamSync,
		Group:      "graph-workers",
		Consumer:   cfg.WorkerID,
		Handler:    &streamHandler{worker: w},
		Logger:     zlog,
		MaxRetries: cfg.ConsumerMaxRetries,
	})

	if cfg.SchedulerEnabled {
		w.scheduler = worker.NewScheduler(deps.SyncStates, deps.Coordinator, deps.Producer, worker.SchedulerConfig{
			CatchupInterval: cfg.IntervalCatchup,
			IdleInterval:    cfg.IntervalIdle,
		})
	} else {
		logger.Warn("Scheduler disabled, accounts sync only on manual trigger")
	}

	return w, cleanup, nil
}

// streamHandler feeds queued sync jobs into the worker pool.
type streamHandler struct {
	worker *Worker
}

func (h *streamHandler) Handle(ctx context.Context, stream string, data []byte) error {
	var job out.SyncJob
	if err := json.Unmarshal(data, &job); err != nil {
		logger.Error("[StreamHandler] Failed to parse payload: %v", err)
		return err
	}

	jobType := worker.JobSyncAccount
	if job.Mode == domain.SyncModeFull {
		jobType = worker.JobSyncFull
	}

	msg := worker.NewMessage(jobType, map[string]any{
		"account": job.Account,
		"reason":  job.Reason,
	})

	// A full pool drops the job; the scheduler republishes on its own cadence.
	if !h.worker.pool.Submit(msg) {
		logger.Error("[StreamHandler] Failed to submit job to pool: %s account=%s", jobType, job.Account)
	}
	return nil
}

// Start runs the worker until Stop is called.
func (w *Worker) Start() {
	w.pool.Start()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.zlog.Info().Msg("Starting Redis Stream Consumer...")
		if err := w.consumer.Run(w.ctx); err != nil && err != context.Canceled {
			w.zlog.Error().Err(err).Msg("Redis Stream Consumer error")
		}
	}()

	if w.scheduler != nil {
		w.scheduler.Start()
	}

	// Warm the blacklist before the first sync lands.
	w.pool.Submit(worker.NewMessage(worker.JobBlacklistSeed, map[string]any{
		"reason": "startup",
	}))

	<-w.ctx.Done()
}

func (w *Worker) Stop() {
	w.cancel()

	if w.scheduler != nil {
		w.scheduler.Stop()
	}

	w.pool.Stop()
	w.wg.Wait()
}

// Submit hands a message directly to the pool, bypassing the stream.
func (w *Worker) Submit(msg *worker.Message) bool {
	return w.pool.Submit(msg)
}

func (w *Worker) GetMetrics() worker.PoolMetrics {
	return w.pool.GetMetrics()
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
