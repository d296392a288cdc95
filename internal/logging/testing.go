package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry, Trace included, for assertions.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{Logger: NewFromZap(zap.New(core)), logs: logs}
}

// Entries returns what has been logged so far.
func (t *TestLogger) Entries() []observer.LoggedEntry {
	return t.logs.All()
}

// AssertLogged fails tb unless an entry at level has msg in its message.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if t.find(level, msg) == nil {
		tb.Errorf("no %s entry containing %q in %d entries", level, msg, t.logs.Len())
	}
}

// AssertJobField fails tb unless the entry matching msg carries the
// given job.id.
func (t *TestLogger) AssertJobField(tb testing.TB, msg, jobID string) {
	tb.Helper()
	for _, e := range t.logs.FilterMessageSnippet(msg).All() {
		if e.ContextMap()["job.id"] == jobID {
			return
		}
	}
	tb.Errorf("no entry %q with job.id=%q", msg, jobID)
}

// AssertNoSecrets fails tb if a string field with a sensitive key was
// logged unmasked, or any message or string field matches a default
// redaction pattern.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	defaults := NewDefaultConfig().Redaction
	patterns, err := compilePatterns(defaults.Patterns)
	if err != nil {
		tb.Fatal(err)
	}
	r := &redactor{keys: defaults.Keys, patterns: patterns}

	for _, e := range t.logs.All() {
		if r.sensitiveValue(e.Message) {
			tb.Errorf("secret in message %q", e.Message)
		}
		for _, f := range e.Context {
			if f.Type != zapcore.StringType || strings.HasPrefix(f.String, "[REDACTED") {
				continue
			}
			if r.sensitiveKey(f.Key) || r.sensitiveValue(f.String) {
				tb.Errorf("unmasked %s=%q in %q", f.Key, f.String, e.Message)
			}
		}
	}
}

func (t *TestLogger) find(level zapcore.Level, msg string) *observer.LoggedEntry {
	for _, e := range t.logs.FilterLevelExact(level).All() {
		if strings.Contains(e.Message, msg) {
			return &e
		}
	}
	return nil
}
