package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/tabledoc/internal/config"
)

func encode(t *testing.T, enc zapcore.Encoder, fields ...zap.Field) string {
	t.Helper()
	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m", Time: time.Unix(0, 0)}, fields)
	require.NoError(t, err)
	return buf.String()
}

func TestRedactingEncoder(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	tests := []struct {
		name  string
		field zap.Field
		want  string
	}{
		{"sensitive key", zap.String("api_key", "abc"), `"api_key":"[REDACTED]"`},
		{"key suffix", zap.String("openai_api_key", "abc"), `"openai_api_key":"[REDACTED]"`},
		{"dotted key", zap.String("generation.api_key", "abc"), `"generation.api_key":"[REDACTED]"`},
		{"token count untouched", zap.Int("prompt_tokens", 12), `"prompt_tokens":12`},
		{"bearer value", zap.String("header", "Bearer abc.def"), `"header":"[REDACTED:pattern]"`},
		{"openai key value", zap.String("err", "invalid key sk-abcdefghijklmnopqrstu"), `"err":"[REDACTED:pattern]"`},
		{"model name kept", zap.String("model", "gpt-4o-mini"), `"model":"gpt-4o-mini"`},
		{"already masked", RedactedString("token", "abc"), `"token":"[REDACTED:3]"`},
		{"sensitive object", zap.Any("authorization", map[string]string{"k": "v"}), `"authorization":"[REDACTED]"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, encode(t, enc, tt.field), tt.want)
		})
	}
}

func TestRedactingEncoder_WithFields(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	clone := enc.Clone()
	zap.String("secret", "hunter2").AddTo(clone)
	out := encode(t, clone)
	assert.Contains(t, out, `"secret":"[REDACTED]"`)
	assert.NotContains(t, out, "hunter2")
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Patterns: []string{"("}})
	require.NoError(t, err)
	assert.Contains(t, encode(t, enc, zap.String("api_key", "visible")), "visible")
}

func TestNewRedactingEncoder_InvalidPattern(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{"("}})
	assert.Error(t, err)
}

func TestSecretField(t *testing.T) {
	out := encode(t, newEncoder("json"), Secret("api_key", config.Secret("sk-12345")))
	assert.Contains(t, out, "[REDACTED:8]")
	assert.NotContains(t, out, "sk-12345")
}

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithJob(context.Background(), "sales")
	tl.Info(ctx, "calling model", zap.String("model", "m"), Secret("api_key", config.Secret("xyz")))

	tl.AssertLogged(t, zapcore.InfoLevel, "calling model")
	tl.AssertJobField(t, "calling model", "sales")
	tl.AssertNoSecrets(t)
	assert.Len(t, tl.Entries(), 1)
}
