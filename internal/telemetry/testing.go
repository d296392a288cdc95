package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

// TestTelemetry is a Telemetry backed by an in-memory span recorder and a
// manual metric reader. Nothing is installed globally.
type TestTelemetry struct {
	*Telemetry
	Recorder *tracetest.SpanRecorder
	Reader   *sdkmetric.ManualReader
}

func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	rec := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	return &TestTelemetry{
		Telemetry: &Telemetry{
			cfg:    cfg,
			tp:     sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)),
			mp:     sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
			logger: zap.NewNop(),
		},
		Recorder: rec,
		Reader:   reader,
	}
}

// SpanByName returns the first ended span called name, or nil.
func (t *TestTelemetry) SpanByName(name string) sdktrace.ReadOnlySpan {
	for _, s := range t.Recorder.Ended() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// SpanAttr returns the attribute key of span name and whether both exist.
func (t *TestTelemetry) SpanAttr(name string, key attribute.Key) (attribute.Value, bool) {
	s := t.SpanByName(name)
	if s == nil {
		return attribute.Value{}, false
	}
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// AssertSpanAttr fails tb unless span name carries key=want.
func (t *TestTelemetry) AssertSpanAttr(tb testing.TB, name string, key attribute.Key, want any) {
	tb.Helper()
	v, ok := t.SpanAttr(name, key)
	if !ok {
		tb.Errorf("span %q: no attribute %q", name, key)
		return
	}
	if got := v.AsInterface(); got != want {
		tb.Errorf("span %q %s = %v, want %v", name, key, got, want)
	}
}

// Collect reads the current metric state.
func (t *TestTelemetry) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := t.Reader.Collect(ctx, &rm)
	return rm, err
}

// MetricNames lists every instrument that has recorded a value.
func (t *TestTelemetry) MetricNames(ctx context.Context) ([]string, error) {
	rm, err := t.Collect(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names = append(names, m.Name)
		}
	}
	return names, nil
}
