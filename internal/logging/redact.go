package logging

import (
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/tabledoc/internal/config"
)

const (
	redacted        = "[REDACTED]"
	redactedPattern = "[REDACTED:pattern]"
)

func redactedLen(n int) string {
	return "[REDACTED:" + strconv.Itoa(n) + "]"
}

// Secret logs a config.Secret as its length only.
func Secret(key string, val config.Secret) zap.Field {
	return zap.String(key, redactedLen(len(val.Value())))
}

// RedactedString logs val as its length only.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, redactedLen(len(val)))
}

// redactor decides which keys and string values get masked.
type redactor struct {
	keys     []string
	patterns []*regexp.Regexp
}

// sensitiveKey matches a configured key exactly or as the last
// "_" or "." separated part, so "openai_api_key" hits "api_key" while
// "prompt_tokens" does not hit "token".
func (r *redactor) sensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, k := range r.keys {
		if key == k || strings.HasSuffix(key, "_"+k) || strings.HasSuffix(key, "."+k) {
			return true
		}
	}
	return false
}

func (r *redactor) sensitiveValue(val string) bool {
	for _, re := range r.patterns {
		if re.MatchString(val) {
			return true
		}
	}
	return false
}

// RedactingEncoder masks sensitive fields before the wrapped encoder
// sees them. Values already in "[REDACTED...]" form pass through.
type RedactingEncoder struct {
	zapcore.Encoder
	r *redactor
}

// NewRedactingEncoder wraps base. With redaction disabled the encoder is a
// pass-through and patterns are not compiled.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	r := &redactor{}
	if cfg.Enabled {
		patterns, err := compilePatterns(cfg.Patterns)
		if err != nil {
			return nil, err
		}
		r.patterns = patterns
		for _, k := range cfg.Keys {
			r.keys = append(r.keys, strings.ToLower(k))
		}
	}
	return &RedactingEncoder{Encoder: base, r: r}, nil
}

func (e *RedactingEncoder) AddString(key, val string) {
	switch {
	case strings.HasPrefix(val, "[REDACTED"):
		e.Encoder.AddString(key, val)
	case e.r.sensitiveKey(key):
		e.Encoder.AddString(key, redacted)
	case e.r.sensitiveValue(val):
		e.Encoder.AddString(key, redactedPattern)
	default:
		e.Encoder.AddString(key, val)
	}
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	e.AddString(key, string(val))
}

func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if e.r.sensitiveKey(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	e.Encoder.AddBinary(key, val)
}

// AddReflected masks the whole value; nested keys are not inspected.
func (e *RedactingEncoder) AddReflected(key string, val any) error {
	if e.r.sensitiveKey(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.r.sensitiveKey(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.r.sensitiveKey(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

// EncodeEntry replays the entry's fields through the masking methods on a
// clone, then encodes with no extra fields.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	clone := e.Clone().(*RedactingEncoder)
	for _, f := range fields {
		f.AddTo(clone)
	}
	return clone.Encoder.EncodeEntry(ent, nil)
}

func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), r: e.r}
}
