package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics builds the meter provider with a Prometheus exporter and
// creates all pipeline instruments. Disabled metrics yield a zero
// PrometheusMetrics, which records nothing.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("memori")

	recordingDuration, err := meter.Float64Histogram("memori_recording_duration_seconds",
		metric.WithDescription("Time to record one conversation turn"))
	if err != nil {
		return nil, fmt.Errorf("failed to create recording duration histogram: %w", err)
	}
	recordingsTotal, err := meter.Int64Counter("memori_recordings_total",
		metric.WithDescription("Conversation turns recorded"))
	if err != nil {
		return nil, fmt.Errorf("failed to create recordings counter: %w", err)
	}
	recordingErrors, err := meter.Int64Counter("memori_recording_errors_total",
		metric.WithDescription("Recording failures"))
	if err != nil {
		return nil, fmt.Errorf("failed to create recording errors counter: %w", err)
	}

	retrievalDuration, err := meter.Float64Histogram("memori_retrieval_duration_seconds",
		metric.WithDescription("Time to retrieve context for a request"))
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieval duration histogram: %w", err)
	}
	retrievalsTotal, err := meter.Int64Counter("memori_retrievals_total",
		metric.WithDescription("Context retrievals performed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create retrievals counter: %w", err)
	}
	retrievalResults, err := meter.Int64Histogram("memori_retrieval_results",
		metric.WithDescription("Memories returned per retrieval"))
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieval results histogram: %w", err)
	}

	llmDuration, err := meter.Float64Histogram("memori_llm_request_duration_seconds",
		metric.WithDescription("LLM request latency"))
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}
	llmInputTokens, err := meter.Int64Counter("memori_llm_input_tokens_total",
		metric.WithDescription("Input tokens sent to LLM backends"))
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}
	llmOutputTokens, err := meter.Int64Counter("memori_llm_output_tokens_total",
		metric.WithDescription("Output tokens received from LLM backends"))
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}
	llmErrors, err := meter.Int64Counter("memori_llm_errors_total",
		metric.WithDescription("LLM request failures"))
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	promotionsTotal, err := meter.Int64Counter("memori_promotions_total",
		metric.WithDescription("Memories promoted to short-term storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to create promotions counter: %w", err)
	}
	promotionErrors, err := meter.Int64Counter("memori_promotion_errors_total",
		metric.WithDescription("Promotion cycle failures"))
	if err != nil {
		return nil, fmt.Errorf("failed to create promotion errors counter: %w", err)
	}

	return &PrometheusMetrics{
		provider:          meterProvider,
		recordingDuration: recordingDuration,
		recordingsTotal:   recordingsTotal,
		recordingErrors:   recordingErrors,
		retrievalDuration: retrievalDuration,
		retrievalsTotal:   retrievalsTotal,
		retrievalResults:  retrievalResults,
		llmDuration:       llmDuration,
		llmInputTokens:    llmInputTokens,
		llmOutputTokens:   llmOutputTokens,
		llmErrors:         llmErrors,
		promotionsTotal:   promotionsTotal,
		promotionErrors:   promotionErrors,
	}, nil
}

// MetricsHandler returns the HTTP handler serving the Prometheus
// registry. The host decides where (and whether) to mount it.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// DisabledMetricsHandler answers 503 for hosts that mount the metrics
// path unconditionally.
func DisabledMetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}
