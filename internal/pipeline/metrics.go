package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/tabledoc/internal/pipeline"

// Metrics holds pipeline instruments. A nil *Metrics records nothing.
type Metrics struct {
	jobs          metric.Int64Counter
	stageDuration metric.Float64Histogram
	attempts      metric.Int64Counter
	rounds        metric.Int64Counter
	verified      metric.Int64Counter
	dropped       metric.Int64Counter
}

// NewMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	var err error

	m.jobs, err = meter.Int64Counter(
		"tabledoc.pipeline.jobs",
		metric.WithDescription("Jobs finished, by outcome"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs counter: %w", err)
	}

	m.stageDuration, err = meter.Float64Histogram(
		"tabledoc.pipeline.stage.duration",
		metric.WithDescription("Duration of pipeline stages"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage duration histogram: %w", err)
	}

	m.attempts, err = meter.Int64Counter(
		"tabledoc.pipeline.validation.attempts",
		metric.WithDescription("Validate-retry attempts, by operation and result"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts counter: %w", err)
	}

	m.rounds, err = meter.Int64Counter(
		"tabledoc.pipeline.convergence.rounds",
		metric.WithDescription("Verify/repair rounds run"),
		metric.WithUnit("{round}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rounds counter: %w", err)
	}

	m.verified, err = meter.Int64Counter(
		"tabledoc.pipeline.sections.verified",
		metric.WithDescription("Sections that reached the verified state"),
		metric.WithUnit("{section}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verified counter: %w", err)
	}

	m.dropped, err = meter.Int64Counter(
		"tabledoc.pipeline.units.dropped",
		metric.WithDescription("Cells or sections excluded after failure"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) recordJob(ctx context.Context, outcome Outcome) {
	if m == nil {
		return
	}
	m.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (m *Metrics) recordStage(ctx context.Context, stage string, start time.Time, cached bool) {
	if m == nil {
		return
	}
	m.stageDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.Bool("cached", cached),
	))
}

func (m *Metrics) recordAttempt(ctx context.Context, operation string, accepted bool) {
	if m == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("accepted", accepted),
	))
}

func (m *Metrics) recordRound(ctx context.Context) {
	if m == nil {
		return
	}
	m.rounds.Add(ctx, 1)
}

func (m *Metrics) recordVerified(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.verified.Add(ctx, int64(n))
}

func (m *Metrics) recordDropped(ctx context.Context, unit string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.dropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("unit", unit)))
}
