package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func sampledLogger(enabled bool) (*zap.Logger, *observer.ObservedLogs) {
	core, observed := observer.New(TraceLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: enabled,
		Tick:    time.Minute,
		Levels: map[zapcore.Level]LevelSampling{
			zapcore.DebugLevel: {Initial: 2},
			zapcore.InfoLevel:  {Initial: 5},
			zapcore.ErrorLevel: {Initial: 1},
		},
	})
	return zap.New(sampled), observed
}

func TestSampling(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		level   zapcore.Level
		want    int
	}{
		{"info capped", true, zapcore.InfoLevel, 5},
		{"debug has its own budget", true, zapcore.DebugLevel, 2},
		{"unconfigured level passes", true, zapcore.WarnLevel, 50},
		{"errors never dropped", true, zapcore.ErrorLevel, 50},
		{"disabled", false, zapcore.InfoLevel, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, observed := sampledLogger(tt.enabled)
			for i := 0; i < 50; i++ {
				logger.Check(tt.level, "cell verified").Write()
			}
			assert.Equal(t, tt.want, observed.Len())
		})
	}
}

func TestSampling_BudgetsAreIndependent(t *testing.T) {
	logger, observed := sampledLogger(true)
	for i := 0; i < 10; i++ {
		logger.Debug("cell verified")
		logger.Info("cell verified")
	}
	assert.Equal(t, 2, observed.FilterLevelExact(zapcore.DebugLevel).Len())
	assert.Equal(t, 5, observed.FilterLevelExact(zapcore.InfoLevel).Len())
}

func TestLevelBand_WithKeepsFilter(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	band := &levelBand{Core: core, keep: func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel }}
	logger := zap.New(band.With([]zapcore.Field{zap.String("job.id", "sales")}))

	logger.Warn("dropped")
	logger.Error("kept")
	assert.Equal(t, 1, observed.Len())
	assert.Equal(t, "sales", observed.All()[0].ContextMap()["job.id"])
}
