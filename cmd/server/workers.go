package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/reelcraft/api/internal/config"
	"github.com/reelcraft/api/internal/logging"
	"github.com/reelcraft/api/internal/service"
	"github.com/reelcraft/api/internal/store"
	ws "github.com/reelcraft/api/internal/websocket"
	"github.com/reelcraft/api/internal/worker"
)

type workerDeps struct {
	renders   worker.StatusSource
	watch     *service.WatchScheduler
	reaper    *service.Reaper
	purger    store.Purger
	hub       *ws.Hub
	retention time.Duration
}

type workerRuntime struct {
	srv       *asynq.Server
	scheduler *asynq.Scheduler
}

func (w *workerRuntime) shutdown() {
	w.scheduler.Shutdown()
	w.srv.Shutdown()
}

// startWorkers runs the task server for progress watches and reaper sweeps,
// plus the scheduler that enqueues the periodic sweep.
func startWorkers(cfg *config.Config, redisOpt asynq.RedisClientOpt, deps workerDeps) (*workerRuntime, error) {
	log := slog.With("component", "workers")
	asynqLog := logging.AsynqLogger(slog.Default())
	level := logging.AsynqLevel(cfg.Server.LogLevel)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			service.QueueRender:      6,
			service.QueueMaintenance: 1,
		},
		Logger:   asynqLog,
		LogLevel: level,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error("task failed", "type", task.Type(), "error", err)
		}),
	})

	watchWorker := worker.NewWatchWorker(deps.renders, deps.watch, deps.hub, 0)
	reaperWorker := worker.NewReaperWorker(deps.reaper, deps.purger, deps.retention)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeWatch, watchWorker.ProcessTask)
	mux.HandleFunc(service.TaskTypeReap, reaperWorker.ProcessTask)

	if err := srv.Start(mux); err != nil {
		return nil, fmt.Errorf("start task server: %w", err)
	}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger:   asynqLog,
		LogLevel: level,
	})
	interval := cfg.Reaper.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	// Every replica registers the entry; the reaper lease keeps sweeps exclusive.
	if _, err := scheduler.Register(
		"@every "+interval.String(),
		service.NewReapTask(),
		asynq.Queue(service.QueueMaintenance),
		asynq.MaxRetry(0),
	); err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("register reaper schedule: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("start scheduler: %w", err)
	}

	log.Info("task workers started", "reaperInterval", interval.String())
	return &workerRuntime{srv: srv, scheduler: scheduler}, nil
}
