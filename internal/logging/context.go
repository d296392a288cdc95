package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	jobCtxKey    struct{}
	stageCtxKey  struct{}
	runIDCtxKey  struct{}
	loggerCtxKey struct{}
)

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}
	if id := RunIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("run.id", id))
	}
	if id := JobFromContext(ctx); id != "" {
		fields = append(fields, zap.String("job.id", id))
	}
	if stage := StageFromContext(ctx); stage != "" {
		fields = append(fields, zap.String("job.stage", stage))
	}
	return fields
}

// WithJob tags ctx with a job id.
func WithJob(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobCtxKey{}, jobID)
}

// JobFromContext returns the job id, or "".
func JobFromContext(ctx context.Context) string {
	s, _ := ctx.Value(jobCtxKey{}).(string)
	return s
}

// WithStage tags ctx with the pipeline stage being run.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageCtxKey{}, stage)
}

// StageFromContext returns the stage, or "".
func StageFromContext(ctx context.Context) string {
	s, _ := ctx.Value(stageCtxKey{}).(string)
	return s
}

// WithRunID tags ctx with a scheduler pass id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDCtxKey{}, runID)
}

// RunIDFromContext returns the run id, or "".
func RunIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(runIDCtxKey{}).(string)
	return s
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewFromZap(zap.NewNop())
}
