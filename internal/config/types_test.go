package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1m30s", 90 * time.Second, false},
		{"750ms", 750 * time.Millisecond, false},
		{"0", 0, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration())
		})
	}
}

func TestDuration_Marshal(t *testing.T) {
	d := Duration(2 * time.Second)
	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `"2s"`, string(out))
	assert.Equal(t, "2s", d.String())
}

func TestSecret_NeverPrints(t *testing.T) {
	s := Secret("sk-live-123")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "config.Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "sk-live-123", s.Value())
	assert.True(t, s.IsSet())

	out, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"[REDACTED]"}`, string(out))
}

func TestSecret_Empty(t *testing.T) {
	var s Secret
	assert.False(t, s.IsSet())
	assert.Equal(t, "", s.String())

	text, err := s.MarshalText()
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestSecret_UnmarshalText(t *testing.T) {
	var s Secret
	require.NoError(t, s.UnmarshalText([]byte("sk-env")))
	assert.Equal(t, "sk-env", s.Value())
}
