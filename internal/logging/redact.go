package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/corpusd/internal/config"
)

const (
	maxPatternLen = 200

	redactedValue   = "[REDACTED]"
	redactedPattern = "[REDACTED:pattern]"
)

// secretMarshaler logs a config.Secret as its length only.
type secretMarshaler struct {
	key string
	val config.Secret
}

func (s *secretMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString(s.key, "[REDACTED:"+strconv.Itoa(len(s.val.Value()))+"]")
	return nil
}

// Secret logs a credential as "[REDACTED:<len>]".
func Secret(key string, val config.Secret) zap.Field {
	return zap.Object(key, &secretMarshaler{key: key, val: val})
}

// RedactedString logs val as "[REDACTED:<len>]".
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// redactor decides what to hide: values under sensitive keys and string
// values matching a pattern.
type redactor struct {
	keys     map[string]bool
	patterns []*regexp.Regexp
}

func newRedactor(cfg RedactionConfig) (*redactor, error) {
	r := &redactor{keys: make(map[string]bool)}
	if !cfg.Enabled {
		return r, nil
	}
	for _, k := range cfg.Fields {
		r.keys[strings.ToLower(k)] = true
	}
	for _, p := range cfg.Patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

func (r *redactor) active() bool { return len(r.keys) > 0 || len(r.patterns) > 0 }

// sensitiveKey matches a configured name exactly or as the last segment of
// a compound key: "llm_api_key" and "neo4j.password" match "api_key" and
// "password".
func (r *redactor) sensitiveKey(key string) bool {
	if len(r.keys) == 0 {
		return false
	}
	lower := strings.ToLower(key)
	if r.keys[lower] {
		return true
	}
	for k := range r.keys {
		if strings.HasSuffix(lower, "_"+k) || strings.HasSuffix(lower, "."+k) {
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

// field returns f or its redacted replacement. Values that are already
// redacted pass through so their length hint survives.
func (r *redactor) field(f zapcore.Field) zapcore.Field {
	if _, ok := f.Interface.(*secretMarshaler); ok {
		return f
	}
	isString := f.Type == zapcore.StringType
	if isString && strings.HasPrefix(f.String, "[REDACTED") {
		return f
	}
	switch {
	case r.sensitiveKey(f.Key):
		return zap.String(f.Key, redactedValue)
	case isString && r.sensitiveValue(f.String):
		return zap.String(f.Key, redactedPattern)
	}
	return f
}

// RedactingEncoder wraps an encoder and hides sensitive values, both in
// fields added with With and in per-entry fields.
type RedactingEncoder struct {
	zapcore.Encoder
	r *redactor
}

// NewRedactingEncoder wraps base. It fails when a pattern does not compile.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	r, err := newRedactor(cfg)
	if err != nil {
		return nil, err
	}
	return &RedactingEncoder{Encoder: base, r: r}, nil
}

// masked writes the placeholder when key is sensitive.
func (e *RedactingEncoder) masked(key string) bool {
	if !e.r.sensitiveKey(key) {
		return false
	}
	e.Encoder.AddString(key, redactedValue)
	return true
}

func (e *RedactingEncoder) AddString(key, val string) {
	switch {
	case e.masked(key):
	case e.r.sensitiveValue(val):
		e.Encoder.AddString(key, redactedPattern)
	default:
		e.Encoder.AddString(key, val)
	}
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if !e.masked(key) {
		e.Encoder.AddByteString(key, val)
	}
}

func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if !e.masked(key) {
		e.Encoder.AddBinary(key, val)
	}
}

func (e *RedactingEncoder) AddReflected(key string, val any) error {
	if e.masked(key) {
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.masked(key) {
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.masked(key) {
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), r: e.r}
}

// EncodeEntry redacts per-entry fields, which the wrapped encoder writes to
// its own clone without going through the Add* methods above.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	if !e.r.active() {
		return e.Encoder.EncodeEntry(ent, fields)
	}
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = e.r.field(f)
	}
	return e.Encoder.EncodeEntry(ent, out)
}
