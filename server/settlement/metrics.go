package settlement

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "skirmish/server/settlement"

type engineMetrics struct {
	committed metric.Int64Counter
	failed    metric.Int64Counter
	attempts  metric.Int64Counter
	latency   metric.Float64Histogram
}

func newEngineMetrics(meter metric.Meter) (*engineMetrics, error) {
	committed, err := meter.Int64Counter("settlement.committed",
		metric.WithDescription("settlement batches committed by the authority"))
	if err != nil {
		return nil, fmt.Errorf("settlement.committed: %w", err)
	}
	failed, err := meter.Int64Counter("settlement.failed",
		metric.WithDescription("settlement batches that failed after all attempts"))
	if err != nil {
		return nil, fmt.Errorf("settlement.failed: %w", err)
	}
	attempts, err := meter.Int64Counter("settlement.attempts",
		metric.WithDescription("submission attempts including retries"))
	if err != nil {
		return nil, fmt.Errorf("settlement.attempts: %w", err)
	}
	latency, err := meter.Float64Histogram("settlement.submit.duration",
		metric.WithDescription("time from snapshot to completion"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("settlement.submit.duration: %w", err)
	}
	return &engineMetrics{
		committed: committed,
		failed:    failed,
		attempts:  attempts,
		latency:   latency,
	}, nil
}
