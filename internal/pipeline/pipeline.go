// Package pipeline implements the worker's per-task pipeline orchestrator
// (§4.5): transcribe each audio file, optionally correct it against
// supplied reference text by WER, then translate every (file, target
// language) pair, and assemble the packed result structure (§4.4).
//
// Grounded on the teacher's DAGEngine.worker ready-channel pattern
// (dag_engine.go), collapsed from a general DAG scheduler to the two fixed,
// independent fan-out stages this spec actually needs.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/translate-queue/internal/engine"
	"github.com/swarmguard/translate-queue/internal/resilience"
	"github.com/swarmguard/translate-queue/internal/results"
	"github.com/swarmguard/translate-queue/internal/task"
)

// CancelledFunc reports whether the owning task has been cancelled
// mid-flight, checked between pipeline stages (§4.5 "check CANCELLED
// before starting").
type CancelledFunc func(ctx context.Context) (bool, error)

// ErrCancelled is returned by Run when CancelledFunc reports the task was
// cancelled during pipeline execution.
var ErrCancelled = fmt.Errorf("task cancelled during pipeline execution")

// Pipeline runs the STT -> WER -> MT -> pack sequence for one task.
type Pipeline struct {
	stt engine.STTEngine
	mt  engine.MTEngine
	wer engine.WER

	sttBreaker *resilience.CircuitBreaker
	mtBreaker  *resilience.CircuitBreaker

	werThreshold float64
	fanOut       int
	retryAttempt int
	retryDelay   time.Duration

	tracer      trace.Tracer
	stageMs     metric.Float64Histogram
	werExceeded metric.Int64Counter
}

// New constructs a Pipeline. fanOut bounds the number of concurrent
// transcribe/translate calls within a single task's execution (nested
// inside the outer per-worker-process thread pool that bounds concurrent
// tasks); werThreshold is WER_THRESHOLD (§6).
func New(stt engine.STTEngine, mt engine.MTEngine, wer engine.WER, werThreshold float64, fanOut int) *Pipeline {
	if fanOut <= 0 {
		fanOut = 4
	}
	meter := otel.Meter("translate-queue")
	stageMs, _ := meter.Float64Histogram("tq_pipeline_stage_duration_ms")
	werExceeded, _ := meter.Int64Counter("tq_pipeline_wer_threshold_exceeded_total")

	return &Pipeline{
		stt:          stt,
		mt:           mt,
		wer:          wer,
		sttBreaker:   resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2),
		mtBreaker:    resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2),
		werThreshold: werThreshold,
		fanOut:       fanOut,
		retryAttempt: 3,
		retryDelay:   200 * time.Millisecond,
		tracer:       otel.Tracer("translate-queue-pipeline"),
		stageMs:      stageMs,
		werExceeded:  werExceeded,
	}
}

// transcribeJob and translateJob are the ready-queue items for stage 1 and
// stage 2, mirroring dagNode's role in DAGEngine.worker but over a plain
// fixed job list instead of a dependency graph.
type transcribeJob struct {
	fileID string
	path   string
}

type translateJob struct {
	fileID string
	lang   string
	text   string
}

// Run executes the full pipeline for t and returns the packed result
// structure (§4.4). cancelled is polled before each stage begins.
func (p *Pipeline) Run(ctx context.Context, t *task.Task, cancelled CancelledFunc) (results.Packed, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("task_id", t.TaskID)))
	defer span.End()

	if done, err := checkCancelled(ctx, cancelled); err != nil || done {
		if err != nil {
			return nil, err
		}
		return nil, ErrCancelled
	}

	sttOut, err := p.runTranscribeStage(ctx, t)
	if err != nil {
		return nil, err
	}

	if done, err := checkCancelled(ctx, cancelled); err != nil || done {
		if err != nil {
			return nil, err
		}
		return nil, ErrCancelled
	}

	translations, err := p.runTranslateStage(ctx, t, sttOut)
	if err != nil {
		return nil, err
	}

	return assemble(t, sttOut, translations), nil
}

func checkCancelled(ctx context.Context, fn CancelledFunc) (bool, error) {
	if fn == nil {
		return false, nil
	}
	return fn(ctx)
}

type sttOutcome struct {
	result        engine.STTResult
	translateText string
	err           error
}

// transcribed pairs the raw STT output for one file (preserved verbatim for
// AUDIO, §4.4) with the text the translate stage should actually consume —
// the reference when WER exceeds threshold, the raw hypothesis otherwise.
type transcribed struct {
	result        engine.STTResult
	translateText string
}

// runTranscribeStage fans out STTEngine.Transcribe over the task's audio
// files with p.fanOut concurrent workers, then applies WER-based reference
// substitution per file when text_data supplies a reference (§6). The raw
// STT result is never mutated by substitution — only the text handed to the
// translate stage is, so AUDIO in the packed result always reflects what the
// engine actually transcribed.
func (p *Pipeline) runTranscribeStage(ctx context.Context, t *task.Task) (map[string]transcribed, error) {
	jobs := make(chan transcribeJob, len(t.AudioFiles))
	out := make(map[string]sttOutcome, len(t.AudioFiles))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, path := range t.AudioFiles {
		jobs <- transcribeJob{fileID: fileID(path), path: path}
	}
	close(jobs)

	workers := p.fanOut
	if workers > len(t.AudioFiles) {
		workers = len(t.AudioFiles)
	}
	if workers == 0 {
		return map[string]transcribed{}, nil
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				start := time.Now()
				res, err := p.transcribeOne(ctx, job.path)
				p.stageMs.Record(ctx, float64(time.Since(start).Milliseconds()),
					metric.WithAttributes(attribute.String("stage", "transcribe")))

				translateText := res.Text
				if err == nil {
					if ref, ok := t.TextData[job.fileID]; ok {
						wer := p.wer.Compute(ref, res.Text)
						if wer > p.werThreshold {
							p.werExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("file_id", job.fileID)))
							translateText = ref
						}
					}
				}

				mu.Lock()
				out[job.fileID] = sttOutcome{result: res, translateText: translateText, err: err}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	final := make(map[string]transcribed, len(out))
	for id, outcome := range out {
		if outcome.err != nil {
			return nil, fmt.Errorf("transcribe file %s: %w", id, outcome.err)
		}
		final[id] = transcribed{result: outcome.result, translateText: outcome.translateText}
	}
	return final, nil
}

func (p *Pipeline) transcribeOne(ctx context.Context, path string) (engine.STTResult, error) {
	if !p.sttBreaker.Allow() {
		return engine.STTResult{}, fmt.Errorf("stt circuit breaker open")
	}
	res, err := resilience.Retry(ctx, p.retryAttempt, p.retryDelay, func() (engine.STTResult, error) {
		return p.stt.Transcribe(ctx, path)
	})
	p.sttBreaker.RecordResult(err == nil)
	return res, err
}

type translateOutcome struct {
	text string
	err  error
}

// runTranslateStage fans out MTEngine.Translate over every (file, target
// language) pair produced by the transcribe stage, translating the
// WER-validated text rather than the raw STT output.
func (p *Pipeline) runTranslateStage(ctx context.Context, t *task.Task, sttOut map[string]transcribed) (map[string]map[string]string, error) {
	var jobList []translateJob
	for fileID, tr := range sttOut {
		for _, lang := range t.TargetLanguages {
			jobList = append(jobList, translateJob{fileID: fileID, lang: lang, text: tr.translateText})
		}
	}
	if len(jobList) == 0 {
		return map[string]map[string]string{}, nil
	}

	jobs := make(chan translateJob, len(jobList))
	for _, j := range jobList {
		jobs <- j
	}
	close(jobs)

	type keyedOutcome struct {
		fileID, lang string
		outcome      translateOutcome
	}
	outCh := make(chan keyedOutcome, len(jobList))

	workers := p.fanOut
	if workers > len(jobList) {
		workers = len(jobList)
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				start := time.Now()
				text, err := p.translateOne(ctx, job.text, t.SourceLanguage, job.lang)
				p.stageMs.Record(ctx, float64(time.Since(start).Milliseconds()),
					metric.WithAttributes(attribute.String("stage", "translate")))
				outCh <- keyedOutcome{fileID: job.fileID, lang: job.lang, outcome: translateOutcome{text: text, err: err}}
			}
		}()
	}
	wg.Wait()
	close(outCh)

	translations := make(map[string]map[string]string)
	for ko := range outCh {
		if ko.outcome.err != nil {
			return nil, fmt.Errorf("translate file %s to %s: %w", ko.fileID, ko.lang, ko.outcome.err)
		}
		if translations[ko.fileID] == nil {
			translations[ko.fileID] = make(map[string]string)
		}
		translations[ko.fileID][ko.lang] = ko.outcome.text
	}
	return translations, nil
}

func (p *Pipeline) translateOne(ctx context.Context, text, source, target string) (string, error) {
	if !p.mtBreaker.Allow() {
		return "", fmt.Errorf("mt circuit breaker open")
	}
	out, err := resilience.Retry(ctx, p.retryAttempt, p.retryDelay, func() (string, error) {
		return p.mt.Translate(ctx, text, source, target)
	})
	p.mtBreaker.RecordResult(err == nil)
	return out, err
}

// assemble builds the packed result structure (§4.4): source language
// entries carry TEXT (the supplied reference, empty if none) and AUDIO (the
// raw, unsubstituted STT output); each target language carries TRANSLATION.
func assemble(t *task.Task, sttOut map[string]transcribed, translations map[string]map[string]string) results.Packed {
	packed := make(results.Packed)

	sourceEntries := make(map[string]results.FileEntry, len(sttOut))
	for fileID, tr := range sttOut {
		res := tr.result
		segs := make([]results.Segment, 0, len(res.Segments))
		for _, s := range res.Segments {
			segs = append(segs, results.Segment{Start: s.Start, End: s.End, Text: s.Text})
		}
		sourceEntries[fileID] = results.FileEntry{
			TEXT:  t.TextData[fileID],
			AUDIO: &results.STTPayload{Text: res.Text, Segments: segs},
		}
	}
	packed[t.SourceLanguage] = sourceEntries

	for _, lang := range t.TargetLanguages {
		entries := make(map[string]results.FileEntry, len(translations))
		for fileID, byLang := range translations {
			entries[fileID] = results.FileEntry{TRANSLATION: byLang[lang]}
		}
		packed[lang] = entries
	}
	return packed
}

// fileID derives the stable file identifier text_data/result keys use from
// an audio file path (its base name without extension).
func fileID(path string) string {
	base := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			base = path[i+1:]
			break
		}
	}
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '.' {
			return base[:i]
		}
	}
	return base
}
