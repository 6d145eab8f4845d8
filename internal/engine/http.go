package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBytes = 10 << 20 // 10MB, matching HTTPPlugin.Execute's response cap

func newPooledClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			DisableKeepAlives:   false,
		},
	}
}

func postJSON(ctx context.Context, client *http.Client, tracer trace.Tracer, spanName, url string, reqBody any, out any) error {
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	bodyJSON, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal engine request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("create engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{req.Header})

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("engine request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read engine response: %w", err)
	}
	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int("http.response_size", len(respBody)),
	)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("engine http %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal engine response: %w", err)
	}
	return nil
}

// headerCarrier adapts http.Header to otel's propagation.TextMapCarrier.
type headerCarrier struct{ h http.Header }

func (c headerCarrier) Get(key string) string       { return c.h.Get(key) }
func (c headerCarrier) Set(key, value string)        { c.h.Set(key, value) }
func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.h))
	for k := range c.h {
		keys = append(keys, k)
	}
	return keys
}

// HTTPSTTEngine calls a remote speech-to-text inference service, grounded
// on HTTPPlugin/ModelInferencePlugin's pooled-client + JSON request/response
// shape.
type HTTPSTTEngine struct {
	baseURL string
	client  *http.Client
	tracer  trace.Tracer
}

// NewHTTPSTTEngine constructs an STTEngine backed by an HTTP inference
// endpoint at baseURL (POST {baseURL}/v1/transcribe).
func NewHTTPSTTEngine(baseURL string, timeout time.Duration) *HTTPSTTEngine {
	return &HTTPSTTEngine{
		baseURL: baseURL,
		client:  newPooledClient(timeout),
		tracer:  otel.Tracer("translate-queue-engine-stt"),
	}
}

type sttRequest struct {
	AudioPath string `json:"audio_path"`
}

func (e *HTTPSTTEngine) Transcribe(ctx context.Context, audioPath string) (STTResult, error) {
	var result STTResult
	err := postJSON(ctx, e.client, e.tracer, "engine.stt.transcribe", e.baseURL+"/v1/transcribe",
		sttRequest{AudioPath: audioPath}, &result)
	return result, err
}

// HTTPMTEngine calls a remote machine-translation service, grounded on the
// same HTTPPlugin client pattern.
type HTTPMTEngine struct {
	baseURL string
	client  *http.Client
	tracer  trace.Tracer
}

// NewHTTPMTEngine constructs an MTEngine backed by an HTTP translation
// endpoint at baseURL (POST {baseURL}/v1/translate).
func NewHTTPMTEngine(baseURL string, timeout time.Duration) *HTTPMTEngine {
	return &HTTPMTEngine{
		baseURL: baseURL,
		client:  newPooledClient(timeout),
		tracer:  otel.Tracer("translate-queue-engine-mt"),
	}
}

type mtRequest struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Target string `json:"target"`
}

type mtResponse struct {
	Translation string `json:"translation"`
}

func (e *HTTPMTEngine) Translate(ctx context.Context, text, source, target string) (string, error) {
	var result mtResponse
	err := postJSON(ctx, e.client, e.tracer, "engine.mt.translate", e.baseURL+"/v1/translate",
		mtRequest{Text: text, Source: source, Target: target}, &result)
	return result.Translation, err
}
