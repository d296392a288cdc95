package logging

import (
	"errors"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

const instrumentationScope = "github.com/fyrsmithlabs/tabledoc"

// newDualCore tees the enabled console sinks with the otel bridge, then
// applies sampling to the whole tee. OTEL output without a provider is
// skipped.
func newDualCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	var sinks []zapcore.WriteSyncer
	if cfg.Output.Stdout {
		sinks = append(sinks, zapcore.Lock(os.Stdout))
	}
	if cfg.Output.Stderr {
		sinks = append(sinks, zapcore.Lock(os.Stderr))
	}

	cores := make([]zapcore.Core, 0, len(sinks)+1)
	for _, sink := range sinks {
		enc, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(enc, sink, cfg.Level))
	}
	if cfg.Output.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore(instrumentationScope, otelzap.WithLoggerProvider(otelProvider)))
	}
	if len(cores) == 0 {
		return nil, errors.New("no usable log output")
	}
	return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling), nil
}
