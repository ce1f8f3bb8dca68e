package workflow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type workflowMetrics struct {
	rowsConfirmed  metric.Int64Counter
	rowsSkipped    metric.Int64Counter
	rerecords      metric.Int64Counter
	confirmFailed  metric.Int64Counter
	batchesStarted metric.Int64Counter
}

func newWorkflowMetrics() *workflowMetrics {
	meter := otel.Meter("github.com/voxsheet/voxsheet-core/workflow")
	m := &workflowMetrics{}

	m.rowsConfirmed, _ = meter.Int64Counter("voxsheet.rows.confirmed",
		metric.WithDescription("Rows committed to the dataset"))
	m.rowsSkipped, _ = meter.Int64Counter("voxsheet.rows.skipped",
		metric.WithDescription("Rows skipped without data"))
	m.rerecords, _ = meter.Int64Counter("voxsheet.rerecords",
		metric.WithDescription("Extractions discarded for a fresh recording"))
	m.confirmFailed, _ = meter.Int64Counter("voxsheet.confirm.failures",
		metric.WithDescription("Row commits that failed and stayed retryable"))
	m.batchesStarted, _ = meter.Int64Counter("voxsheet.batches.started",
		metric.WithDescription("Multi-row extractions entered for review"))

	return m
}

func (m *workflowMetrics) add(ctx context.Context, counter metric.Int64Counter, n int64) {
	if counter != nil {
		counter.Add(ctx, n)
	}
}
