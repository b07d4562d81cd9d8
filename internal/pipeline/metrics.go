package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-meet/pipeline"

type pipelineMetrics struct {
	frames    metric.Int64Counter
	exchanges metric.Int64Counter
	failures  metric.Int64Counter
	latency   metric.Float64Histogram
}

func newPipelineMetrics() *pipelineMetrics {
	meter := otel.Meter(instrumentationName)
	m := &pipelineMetrics{}
	m.frames, _ = meter.Int64Counter("loqa.meet.frames",
		metric.WithDescription("Audio frames processed"))
	m.exchanges, _ = meter.Int64Counter("loqa.meet.exchanges",
		metric.WithDescription("Completed transcript/response exchanges"))
	m.failures, _ = meter.Int64Counter("loqa.meet.upstream_failures",
		metric.WithDescription("Failed upstream provider calls"))
	m.latency, _ = meter.Float64Histogram("loqa.meet.upstream_latency",
		metric.WithDescription("Upstream call latency"), metric.WithUnit("s"))
	return m
}

func (m *pipelineMetrics) frame(ctx context.Context, mode Mode) {
	if m.frames != nil {
		m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(mode))))
	}
}

func (m *pipelineMetrics) exchange(ctx context.Context) {
	if m.exchanges != nil {
		m.exchanges.Add(ctx, 1)
	}
}

func (m *pipelineMetrics) failure(ctx context.Context, capability string) {
	if m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("capability", capability)))
	}
}

func (m *pipelineMetrics) observe(ctx context.Context, capability string, seconds float64) {
	if m.latency != nil {
		m.latency.Record(ctx, seconds, metric.WithAttributes(attribute.String("capability", capability)))
	}
}
