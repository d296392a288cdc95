package logging

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"
)

// Config is built by the CLI from the logging section of the tabledoc
// config file; it is not loaded directly.
type Config struct {
	Level     zapcore.Level
	Format    string
	Output    OutputConfig
	Sampling  SamplingConfig
	Caller    bool
	Fields    map[string]string
	Redaction RedactionConfig
}

// OutputConfig selects sinks. Stderr is the default so `tabledoc status`
// can own stdout.
type OutputConfig struct {
	Stdout bool
	Stderr bool
	OTEL   bool
}

// SamplingConfig caps repeated messages per Tick. Levels missing from the
// map are never sampled, and neither is anything at Error or above.
type SamplingConfig struct {
	Enabled bool
	Tick    time.Duration
	Levels  map[zapcore.Level]LevelSampling
}

// LevelSampling keeps the first Initial copies of a message per tick, then
// every Thereafter-th. Thereafter == 0 drops the rest.
type LevelSampling struct {
	Initial    int
	Thereafter int
}

// RedactionConfig lists field keys and value patterns masked before
// encoding.
type RedactionConfig struct {
	Enabled  bool
	Keys     []string
	Patterns []string
}

const maxPatternLen = 256

// NewDefaultConfig returns the CLI defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Stderr: true},
		Sampling: SamplingConfig{
			Enabled: true,
			Tick:    time.Second,
			Levels: map[zapcore.Level]LevelSampling{
				TraceLevel:         {Initial: 1},
				zapcore.DebugLevel: {Initial: 20},
				// per-cell verification chatter on large tables
				zapcore.InfoLevel: {Initial: 200, Thereafter: 20},
			},
		},
		Caller: true,
		Fields: map[string]string{"service": "tabledoc"},
		Redaction: RedactionConfig{
			Enabled: true,
			Keys:    []string{"api_key", "authorization", "token", "secret", "password"},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`\bsk-[A-Za-z0-9_-]{16,}`,
			},
		},
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Format != "json" && c.Format != "console" {
		errs = append(errs, fmt.Errorf("format %q: want json or console", c.Format))
	}
	if c.Output == (OutputConfig{}) {
		errs = append(errs, errors.New("no log output enabled"))
	}
	if c.Sampling.Enabled && c.Sampling.Tick <= 0 {
		errs = append(errs, errors.New("sampling tick must be positive"))
	}
	for lvl, s := range c.Sampling.Levels {
		if s.Initial < 0 || s.Thereafter < 0 {
			errs = append(errs, fmt.Errorf("sampling %s: negative budget", lvl))
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			errs = append(errs, fmt.Errorf("static field %q=%q: key and value required", k, v))
		}
	}
	if c.Redaction.Enabled {
		if _, err := compilePatterns(c.Redaction.Patterns); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern longer than %d bytes", maxPatternLen)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
