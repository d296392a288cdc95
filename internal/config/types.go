package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration decodes Go duration strings ("750ms", "2s") from YAML, TOML
// and environment variables. Negative values are rejected.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("duration %q: %w", text, err)
	}
	if v < 0 {
		return fmt.Errorf("duration %q is negative", text)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Secret holds a credential such as the generation API key. Every
// printing or marshaling path yields "[REDACTED]"; only Value exposes it.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) mask() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) String() string   { return s.mask() }
func (s Secret) GoString() string { return "config.Secret(" + redacted + ")" }

// Value returns the plaintext. Pass it straight to the client that needs it.
func (s Secret) Value() string { return string(s) }

func (s Secret) IsSet() bool { return s != "" }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.mask()), nil }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.mask()) }

// UnmarshalText stores text as-is; config loading goes through here.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
