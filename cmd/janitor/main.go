// Command janitor runs the Janitor (C6) on a standalone cron schedule,
// grounded on services/orchestrator/scheduler.go's Scheduler: a
// cron.New(cron.WithSeconds()) instance driving a single cron.AddFunc
// entry instead of the opportunistic request-path Gate used by cmd/api.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/translate-queue/internal/config"
	"github.com/swarmguard/translate-queue/internal/janitor"
	"github.com/swarmguard/translate-queue/internal/logging"
	"github.com/swarmguard/translate-queue/internal/store"
	"github.com/swarmguard/translate-queue/internal/task"
	"github.com/swarmguard/translate-queue/internal/telemetry"
)

const serviceName = "translate-queue-janitor"

func main() {
	logging.Init(serviceName)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, serviceName)
	shutdownMetrics, _ := telemetry.InitMetrics(ctx, serviceName)

	cfg := config.Load()

	s := store.NewRedisStore(cfg.StoreHost, cfg.StorePort, cfg.StoreDB, cfg.StorePassword)
	repo := task.NewRepository(s)
	j := janitor.New(s, repo, cfg.StreamKey, cfg.GroupName, cfg.TaskRetention, cfg.ConsumerIdleGC)

	c := cron.New(cron.WithSeconds())
	cronExpr := secondsToCronExpr(cfg.JanitorInterval)
	if _, err := c.AddFunc(cronExpr, func() {
		sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer sweepCancel()
		tasksSwept, consumersSwept, err := j.Sweep(sweepCtx)
		if err != nil {
			slog.Error("sweep failed", "error", err)
			return
		}
		slog.Info("sweep completed", "tasks_swept", tasksSwept, "consumers_swept", consumersSwept)
	}); err != nil {
		slog.Error("failed to register janitor schedule", "cron_expr", cronExpr, "error", err)
		os.Exit(1)
	}

	c.Start()
	slog.Info("janitor started", "interval", cfg.JanitorInterval, "cron_expr", cronExpr)

	<-ctx.Done()
	slog.Info("shutdown initiated")

	stopCtx := c.Stop()
	<-stopCtx.Done()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer flushCancel()
	telemetry.Flush(flushCtx, shutdownTrace)
	_ = shutdownMetrics(flushCtx)
	slog.Info("janitor stopped")
}

// secondsToCronExpr renders a duration as a seconds-precision "@every"-style
// fixed interval expression for robfig/cron's WithSeconds parser.
func secondsToCronExpr(d time.Duration) string {
	secs := int(d.Seconds())
	if secs <= 0 {
		secs = 3600
	}
	return "@every " + time.Duration(secs*int(time.Second)).String()
}
