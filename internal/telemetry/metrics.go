package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Metrics is the instrument set built and returned by InitMetrics. No
// package in this module records into it; components create their own
// instruments from otel.Meter.
type Metrics struct {
	TasksCreated       metric.Int64Counter
	TasksClaimed       metric.Int64Counter
	TasksOrphaned      metric.Int64Counter
	TasksAcked         metric.Int64Counter
	TaskTransitions    metric.Int64Counter
	TaskFailures       metric.Int64Counter
	PipelineStageMs    metric.Float64Histogram
	ResultWriteMs      metric.Float64Histogram
	ResultCacheHits    metric.Int64Counter
	ResultCacheMisses  metric.Int64Counter
	JanitorTasksSwept  metric.Int64Counter
	JanitorConsSwept   metric.Int64Counter
	HeartbeatsSent     metric.Int64Counter
	RetryAttempts      metric.Int64Counter
	CircuitOpenTotal   metric.Int64Counter
	WorkerActiveTasks  metric.Int64Gauge
}

// InitMetrics sets up a global OTLP metrics exporter (push). Returns a
// shutdown function and the shared instrument set; exporter failures still
// yield usable (no-op-backed) instruments.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, buildInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, buildInstruments()
}

func buildInstruments() Metrics {
	meter := otel.Meter("translate-queue")
	tasksCreated, _ := meter.Int64Counter("tq_tasks_created_total")
	tasksClaimed, _ := meter.Int64Counter("tq_tasks_claimed_total")
	tasksOrphaned, _ := meter.Int64Counter("tq_tasks_orphan_reclaimed_total")
	tasksAcked, _ := meter.Int64Counter("tq_stream_entries_acked_total")
	taskTransitions, _ := meter.Int64Counter("tq_task_transitions_total")
	taskFailures, _ := meter.Int64Counter("tq_task_failures_total")
	pipelineStageMs, _ := meter.Float64Histogram("tq_pipeline_stage_duration_ms")
	resultWriteMs, _ := meter.Float64Histogram("tq_result_write_duration_ms")
	resultCacheHits, _ := meter.Int64Counter("tq_result_cache_hits_total")
	resultCacheMisses, _ := meter.Int64Counter("tq_result_cache_misses_total")
	janitorTasksSwept, _ := meter.Int64Counter("tq_janitor_tasks_swept_total")
	janitorConsSwept, _ := meter.Int64Counter("tq_janitor_consumers_swept_total")
	heartbeats, _ := meter.Int64Counter("tq_worker_heartbeats_total")
	retryAttempts, _ := meter.Int64Counter("tq_resilience_retry_attempts_total")
	circuitOpen, _ := meter.Int64Counter("tq_resilience_circuit_open_total")
	workerActive, _ := meter.Int64Gauge("tq_worker_active_tasks")

	return Metrics{
		TasksCreated:      tasksCreated,
		TasksClaimed:      tasksClaimed,
		TasksOrphaned:     tasksOrphaned,
		TasksAcked:        tasksAcked,
		TaskTransitions:   taskTransitions,
		TaskFailures:      taskFailures,
		PipelineStageMs:   pipelineStageMs,
		ResultWriteMs:     resultWriteMs,
		ResultCacheHits:   resultCacheHits,
		ResultCacheMisses: resultCacheMisses,
		JanitorTasksSwept: janitorTasksSwept,
		JanitorConsSwept:  janitorConsSwept,
		HeartbeatsSent:    heartbeats,
		RetryAttempts:     retryAttempts,
		CircuitOpenTotal:  circuitOpen,
		WorkerActiveTasks: workerActive,
	}
}
