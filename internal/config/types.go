package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// redacted replaces secret values wherever they are rendered.
const redacted = "[REDACTED]"

// ErrRedactedSecret is returned when a redacted placeholder is loaded as a
// secret, which happens when a dumped config is fed back in.
var ErrRedactedSecret = errors.New("secret holds the redaction placeholder")

// Duration is a time.Duration that decodes from Go duration syntax ("90s",
// "1m30s") or a bare number of seconds ("90").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	parsed, err := time.ParseDuration(s)
	if err != nil {
		secs, nerr := strconv.ParseInt(s, 10, 64)
		if nerr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		parsed = time.Duration(secs) * time.Second
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Secret is a credential. Every rendering (fmt, JSON, YAML, text) prints
// a placeholder; Value returns the real string.
type Secret string

func (s Secret) mask() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s *Secret) set(raw string) error {
	if raw == redacted {
		return ErrRedactedSecret
	}
	*s = Secret(raw)
	return nil
}

// Value returns the secret in clear.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether the secret is non-empty.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) String() string { return s.mask() }

// GoString keeps %#v from printing the value.
func (s Secret) GoString() string { return "Secret(" + redacted + ")" }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.mask()) }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.mask()), nil }

func (s Secret) MarshalYAML() (any, error) { return s.mask(), nil }

func (s *Secret) UnmarshalText(text []byte) error { return s.set(string(text)) }

func (s *Secret) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return s.set(raw)
}

func (s *Secret) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return s.set(raw)
}
