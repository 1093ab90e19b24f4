package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics records pipeline events. All methods must be safe to call
// concurrently and tolerate a nil receiver.
type Metrics interface {
	RecordIngestion(ctx context.Context, namespace string, duration time.Duration, err error)
	RecordRetrieval(ctx context.Context, namespace, mode string, duration time.Duration, results int, err error)
	RecordLLMCall(ctx context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordPromotion(ctx context.Context, namespace string, promoted int, err error)
}

// PrometheusMetrics implements Metrics over OTel instruments exported
// through the Prometheus registry. A zero value records nothing.
type PrometheusMetrics struct {
	provider *sdkmetric.MeterProvider

	recordingDuration metric.Float64Histogram
	recordingsTotal   metric.Int64Counter
	recordingErrors   metric.Int64Counter

	retrievalDuration metric.Float64Histogram
	retrievalsTotal   metric.Int64Counter
	retrievalResults  metric.Int64Histogram

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrors       metric.Int64Counter

	promotionsTotal metric.Int64Counter
	promotionErrors metric.Int64Counter
}

func (m *PrometheusMetrics) RecordIngestion(ctx context.Context, namespace string, duration time.Duration, err error) {
	if m == nil || m.recordingDuration == nil || m.recordingsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrNamespace, namespace),
	}

	m.recordingDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.recordingsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil && m.recordingErrors != nil {
		m.recordingErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordRetrieval(ctx context.Context, namespace, mode string, duration time.Duration, results int, err error) {
	if m == nil || m.retrievalDuration == nil || m.retrievalsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrNamespace, namespace),
		attribute.String(AttrRetrievalMode, mode),
	}

	m.retrievalDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.retrievalsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err == nil && m.retrievalResults != nil {
		m.retrievalResults.Record(ctx, int64(results), metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrProviderName, provider),
		attribute.String(AttrLLMModel, model),
	}

	m.llmDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if inputTokens > 0 && m.llmInputTokens != nil {
		m.llmInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	}
	if outputTokens > 0 && m.llmOutputTokens != nil {
		m.llmOutputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))
	}
	if err != nil && m.llmErrors != nil {
		m.llmErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordPromotion(ctx context.Context, namespace string, promoted int, err error) {
	if m == nil || m.promotionsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrNamespace, namespace),
	}

	if err != nil {
		if m.promotionErrors != nil {
			m.promotionErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		return
	}

	m.promotionsTotal.Add(ctx, int64(promoted), metric.WithAttributes(attrs...))
}

// Shutdown flushes and stops the meter provider.
func (m *PrometheusMetrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics never returns nil; callers record unconditionally.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if globalMetrics == nil {
		return NoopMetrics{}
	}
	return globalMetrics
}
