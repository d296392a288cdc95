package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Telemetry owns the SDK tracer and meter providers. A provider that fails
// to start is logged and left out; callers then get the global no-op
// instruments and jobs keep running.
type Telemetry struct {
	cfg    *Config
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	logger *zap.Logger

	degraded atomic.Bool
	closed   atomic.Bool
}

type Option func(*Telemetry)

// WithLogger sets where provider failures are reported.
func WithLogger(l *zap.Logger) Option { return func(t *Telemetry) { t.logger = l } }

// New returns a no-op Telemetry when cfg is disabled. Otherwise it starts
// the OTLP providers and installs them as the otel globals.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("telemetry config: %w", err)
	}
	t := &Telemetry{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)
	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.degrade("tracing", err)
	} else {
		t.tp = tp
		otel.SetTracerProvider(tp)
	}
	if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
		t.degrade("metrics", err)
	} else if mp != nil {
		t.mp = mp
		otel.SetMeterProvider(mp)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	t.logger.Info("telemetry started",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("protocol", cfg.Protocol),
		zap.Bool("degraded", t.degraded.Load()))
	return t, nil
}

func (t *Telemetry) degrade(signal string, err error) {
	t.degraded.Store(true)
	t.logger.Warn("telemetry degraded", zap.String("signal", signal), zap.Error(err))
}

// Tracer falls back to the global provider when t is nil or tracing is
// not running.
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.tp == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tp.Tracer(name, opts...)
}

// Meter falls back to the global provider when t is nil or metrics are
// not running.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.mp == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.mp.Meter(name, opts...)
}

// Enabled reports whether telemetry was configured on and has not been
// shut down.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.cfg.Enabled && !t.closed.Load()
}

// Degraded reports whether a provider failed to start.
func (t *Telemetry) Degraded() bool {
	return t != nil && t.degraded.Load()
}

type provider interface {
	ForceFlush(context.Context) error
	Shutdown(context.Context) error
}

func (t *Telemetry) providers() map[string]provider {
	ps := map[string]provider{}
	if t.tp != nil {
		ps["tracer"] = t.tp
	}
	if t.mp != nil {
		ps["meter"] = t.mp
	}
	return ps
}

// ForceFlush exports whatever is buffered.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for name, p := range t.providers() {
		if err := p.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s flush: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown flushes and stops the providers. Without a deadline on ctx the
// configured shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.closed.Swap(true) {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout)
		defer cancel()
	}
	var errs []error
	for name, p := range t.providers() {
		if err := p.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
