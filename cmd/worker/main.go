// Command worker runs one Worker Runtime (C5) process: claims pending and
// orphaned tasks, drives each through the pipeline, writes results. Exit
// code is 0 on graceful shutdown, non-zero on startup failure (§6).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/translate-queue/internal/config"
	"github.com/swarmguard/translate-queue/internal/dispatcher"
	"github.com/swarmguard/translate-queue/internal/engine"
	"github.com/swarmguard/translate-queue/internal/logging"
	"github.com/swarmguard/translate-queue/internal/pipeline"
	"github.com/swarmguard/translate-queue/internal/results"
	"github.com/swarmguard/translate-queue/internal/store"
	"github.com/swarmguard/translate-queue/internal/task"
	"github.com/swarmguard/translate-queue/internal/telemetry"
	"github.com/swarmguard/translate-queue/internal/worker"
)

const serviceName = "translate-queue-worker"

func main() {
	logging.Init(serviceName)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, serviceName)
	shutdownMetrics, _ := telemetry.InitMetrics(ctx, serviceName)

	cfg := config.Load()

	s := store.NewRedisStore(cfg.StoreHost, cfg.StorePort, cfg.StoreDB, cfg.StorePassword)
	repo := task.NewRepository(s)

	d, err := dispatcher.New(ctx, s, repo, cfg.StreamKey, cfg.GroupName, cfg.TaskRetryLimit, cfg.SupportedLanguages)
	if err != nil {
		slog.Error("dispatcher init failed", "error", err)
		os.Exit(1)
	}

	cache, err := results.NewCache(cfg.ResultDir+"/cache.db", 1000)
	if err != nil {
		slog.Error("result cache init failed", "error", err)
		os.Exit(1)
	}
	defer cache.Close()
	resultsSt, err := results.New(s, cfg.ResultDir, cache)
	if err != nil {
		slog.Error("result store init failed", "error", err)
		os.Exit(1)
	}

	sttEngine := engine.NewHTTPSTTEngine(cfg.STTServiceURL, cfg.EngineTimeout)
	mtEngine := engine.NewHTTPMTEngine(cfg.MTServiceURL, cfg.EngineTimeout)
	wer := engine.NewLevenshteinWER()
	p := pipeline.New(sttEngine, mtEngine, wer, cfg.WERThreshold, cfg.PipelineFanOut)

	sysMetrics := engine.NewSystemMetrics(1024)

	w := worker.New(s, repo, d, p, resultsSt, sysMetrics, worker.Config{
		MaxThreads:        cfg.WorkerMaxThreads,
		HeartbeatInterval: cfg.WorkerHeartbeatInterval,
		WorkerTimeout:     cfg.WorkerTimeout,
		MemoryLimitPct:    float64(cfg.WorkerMemoryLimit),
	})

	slog.Info("worker starting", "worker_id", w.ID())
	if err := w.Run(ctx); err != nil {
		slog.Error("worker exited with error", "worker_id", w.ID(), "error", err)
		os.Exit(1)
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer flushCancel()
	telemetry.Flush(flushCtx, shutdownTrace)
	_ = shutdownMetrics(flushCtx)
	slog.Info("worker stopped cleanly")
}
