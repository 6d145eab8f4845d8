// Command api runs the Control API (C7): the HTTP surface over the task
// queue, grounded on services/orchestrator/main.go's startup/shutdown
// sequence (logging.Init, signal.NotifyContext, otelinit-style telemetry
// bootstrap, http.ServeMux, graceful srv.Shutdown).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/translate-queue/internal/api"
	"github.com/swarmguard/translate-queue/internal/config"
	"github.com/swarmguard/translate-queue/internal/dispatcher"
	"github.com/swarmguard/translate-queue/internal/engine"
	"github.com/swarmguard/translate-queue/internal/janitor"
	"github.com/swarmguard/translate-queue/internal/logging"
	"github.com/swarmguard/translate-queue/internal/results"
	"github.com/swarmguard/translate-queue/internal/storyindex"
	"github.com/swarmguard/translate-queue/internal/store"
	"github.com/swarmguard/translate-queue/internal/task"
	"github.com/swarmguard/translate-queue/internal/telemetry"
)

const serviceName = "translate-queue-api"

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
		return
	}

	cache, err := results.NewCache(cfg.ResultDir+"/cache.db", 1000)
	if err != nil {
		slog.Error("result cache init failed", "error", err)
		return
	}
	resultsSt, err := results.New(s, cfg.ResultDir, cache)
	if err != nil {
		slog.Error("result store init failed", "error", err)
		return
	}
	defer cache.Close()

	stories, err := storyindex.New(cfg.ResultDir+"/stories.db", repo)
	if err != nil {
		slog.Error("story index init failed", "error", err)
		return
	}
	defer stories.Close()

	j := janitor.New(s, repo, cfg.StreamKey, cfg.GroupName, cfg.TaskRetention, cfg.ConsumerIdleGC)
	gate := janitor.NewGate(j, cfg.JanitorInterval)

	sysMetrics := engine.NewSystemMetrics(1024)

	a := api.New(repo, d, resultsSt, stories, gate, cfg.UploadDir, cfg.MaxFileSize, cfg.AllowedAudioFormats, "0.1.0", api.Health{
		PingStore: func() error { return s.Ping(context.Background()) },
		MemoryUsage: func() float64 {
			sample, err := sysMetrics.Sample(context.Background())
			if err != nil {
				return 0
			}
			return sample.MemoryPercent
		},
		StorageAvail: func() bool { return true },
		Stats: func() (map[string]interface{}, error) {
			sample, err := sysMetrics.Sample(context.Background())
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"memory_percent":      sample.MemoryPercent,
				"memory_available_gb": sample.MemoryAvailableG,
			}, nil
		},
		Workers: func() ([]api.WorkerStatus, error) {
			return listWorkers(context.Background(), s)
		},
	})

	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{Addr: addr, Handler: a.Mux()}

	go func() {
		slog.Info("api server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

// listWorkers scans worker:* hash records for GET /health/workers, treating
// a worker as alive only if its short-TTL sentinel key is still present.
func listWorkers(ctx context.Context, s store.Store) ([]api.WorkerStatus, error) {
	keys, err := s.Scan(ctx, "worker:*", 200)
	if err != nil {
		return nil, err
	}
	var out []api.WorkerStatus
	for _, key := range keys {
		if len(key) > 6 && key[len(key)-6:] == ":alive" {
			continue
		}
		id := key[len("worker:"):]
		fields, err := s.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		if _, alive, err := s.Get(ctx, key+":alive"); err != nil || !alive {
			continue
		}
		out = append(out, api.WorkerStatus{
			WorkerID:      id,
			Status:        fields["status"],
			LastHeartbeat: fields["last_heartbeat"],
		})
	}
	return out, nil
}
