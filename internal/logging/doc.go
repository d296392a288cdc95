// Package logging provides structured zap logging for tabledoc.
//
// Logger wraps zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and OpenTelemetry outputs
//   - context field injection (trace_id, span_id, run.id, job.id, job.stage)
//   - redaction of secret-looking fields and values
//   - level-aware sampling (errors are never sampled)
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithJob(ctx, "sales_2024")
//	logger.Info(ctx, "job started")
//
// Packages below the CLI take a plain *zap.Logger; pass Underlying() or
// For(ctx) to them.
package logging
