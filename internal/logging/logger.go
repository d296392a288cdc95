package logging

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a zap logger whose methods take a context and prepend the
// run, job, stage and trace fields found in it.
type Logger struct {
	zap *zap.Logger
	// ctx methods log through this copy so the caller is theirs
	skipped *zap.Logger
}

// NewLogger builds a Logger from cfg. otelProvider may be nil, in which
// case the OTEL output is skipped.
func NewLogger(cfg *Config, otelProvider log.LoggerProvider) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	core, err := newDualCore(cfg, otelProvider)
	if err != nil {
		return nil, err
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Caller {
		opts = append(opts, zap.AddCaller())
	}
	z := zap.New(core, opts...)
	for k, v := range cfg.Fields {
		z = z.With(zap.String(k, v))
	}
	return NewFromZap(z), nil
}

// NewFromZap wraps z.
func NewFromZap(z *zap.Logger) *Logger {
	// Logger.log plus the exported level method
	return &Logger{zap: z, skipped: z.WithOptions(zap.AddCallerSkip(2))}
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = encodeLevel
	if format == "console" {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// encodeLevel names TraceLevel, which zap would print as "Level(-2)".
func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == TraceLevel {
		enc.AppendString("trace")
		return
	}
	zapcore.LowercaseLevelEncoder(l, enc)
}

func (l *Logger) log(ctx context.Context, lvl zapcore.Level, msg string, fields []zap.Field) {
	ce := l.skipped.Check(lvl, msg)
	if ce == nil {
		return
	}
	ce.Write(append(ContextFields(ctx), fields...)...)
}

// Trace logs at TraceLevel.
func (l *Logger) Trace(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, TraceLevel, msg, fields)
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.DebugLevel, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.InfoLevel, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.WarnLevel, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.ErrorLevel, msg, fields)
}

func (l *Logger) With(fields ...zap.Field) *Logger {
	return NewFromZap(l.zap.With(fields...))
}

func (l *Logger) Named(name string) *Logger {
	return NewFromZap(l.zap.Named(name))
}

func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.zap.Core().Enabled(level)
}

// Underlying returns the wrapped zap logger for packages that take one.
func (l *Logger) Underlying() *zap.Logger {
	return l.zap
}

// For returns the zap logger with ctx's correlation fields attached.
func (l *Logger) For(ctx context.Context) *zap.Logger {
	return l.zap.With(ContextFields(ctx)...)
}

// Sync flushes buffered entries. Sync on a terminal or pipe fails with
// EINVAL or ENOTTY; those are ignored.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY) {
		return nil
	}
	return err
}
