package observability

import (
	"context"
	"time"
)

// NoopManager returns a Manager that records nothing. Use this when
// observability is completely disabled.
func NoopManager() *Manager {
	return &Manager{}
}

// NoopMetrics is a metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) RecordIngestion(_ context.Context, _ string, _ time.Duration, _ error) {}
func (NoopMetrics) RecordRetrieval(_ context.Context, _, _ string, _ time.Duration, _ int, _ error) {
}
func (NoopMetrics) RecordLLMCall(_ context.Context, _, _ string, _ time.Duration, _, _ int, _ error) {
}
func (NoopMetrics) RecordPromotion(_ context.Context, _ string, _ int, _ error) {}

// Ensure implementations satisfy the interface.
var (
	_ Metrics = NoopMetrics{}
	_ Metrics = (*PrometheusMetrics)(nil)
)
