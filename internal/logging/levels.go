package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits one below Debug. Prompt and response bodies are logged
// here so they stay out of debug output.
const TraceLevel = zapcore.DebugLevel - 1

// LevelFromString parses zap level names plus "trace", ignoring case.
// An empty string means info.
func LevelFromString(s string) (zapcore.Level, error) {
	switch name := strings.ToLower(strings.TrimSpace(s)); name {
	case "trace":
		return TraceLevel, nil
	case "":
		return zapcore.InfoLevel, nil
	default:
		return zapcore.ParseLevel(name)
	}
}
