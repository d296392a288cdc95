package logging

import (
	"slices"

	"go.uber.org/zap/zapcore"
)

// newSampledCore splits core into one sampled band per configured level
// below Error plus a single unsampled band for everything else. zap's
// sampler counts per level and message, so each band gets its own budget.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	var sampled []zapcore.Level
	for lvl := range cfg.Levels {
		if lvl < zapcore.ErrorLevel {
			sampled = append(sampled, lvl)
		}
	}
	if len(sampled) == 0 {
		return core
	}
	slices.Sort(sampled)

	cores := make([]zapcore.Core, 0, len(sampled)+1)
	cores = append(cores, &levelBand{Core: core, keep: func(l zapcore.Level) bool {
		return !slices.Contains(sampled, l)
	}})
	for _, lvl := range sampled {
		budget := cfg.Levels[lvl]
		band := &levelBand{Core: core, keep: func(l zapcore.Level) bool { return l == lvl }}
		cores = append(cores, zapcore.NewSamplerWithOptions(band, cfg.Tick, budget.Initial, budget.Thereafter))
	}
	return zapcore.NewTee(cores...)
}

// levelBand passes through only the levels keep accepts.
type levelBand struct {
	zapcore.Core
	keep func(zapcore.Level) bool
}

func (b *levelBand) Enabled(l zapcore.Level) bool {
	return b.keep(l) && b.Core.Enabled(l)
}

func (b *levelBand) With(fields []zapcore.Field) zapcore.Core {
	return &levelBand{Core: b.Core.With(fields), keep: b.keep}
}

func (b *levelBand) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !b.keep(ent.Level) {
		return ce
	}
	return b.Core.Check(ent, ce)
}
