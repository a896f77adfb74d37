package logging

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/corpusd/internal/config"
)

// Config is the logging section of the service configuration.
//
//	logging:
//	  level: info
//	  format: json
//	  output: {stdout: true, otel: false}
//	  caller: true
//	  stacktrace_level: error
//	  fields: {service: corpusd}
type Config struct {
	Level  zapcore.Level `koanf:"level"`
	Format string        `koanf:"format"`
	Output OutputConfig  `koanf:"output"`
	// Caller adds the file:line of the logging call site.
	Caller bool `koanf:"caller"`
	// StacktraceLevel is the lowest level that carries a stacktrace.
	StacktraceLevel zapcore.Level     `koanf:"stacktrace_level"`
	Sampling        SamplingConfig    `koanf:"sampling"`
	Fields          map[string]string `koanf:"fields"`
	Redaction       RedactionConfig   `koanf:"redaction"`
}

// OutputConfig selects the streams logs are written to. OTEL forwards
// entries to the LoggerProvider given with WithLoggerProvider.
type OutputConfig struct {
	Stdout bool `koanf:"stdout"`
	Stderr bool `koanf:"stderr"`
	OTEL   bool `koanf:"otel"`
}

func (o OutputConfig) any() bool { return o.Stdout || o.Stderr || o.OTEL }

// SamplingConfig limits how many entries per level are written each Tick.
type SamplingConfig struct {
	Enabled bool                                  `koanf:"enabled"`
	Tick    config.Duration                       `koanf:"tick"`
	Levels  map[zapcore.Level]LevelSamplingConfig `koanf:"levels"`
}

// LevelSamplingConfig is the sampling rate of one level: the first Initial
// entries per tick pass, then every Thereafter-th. Thereafter 0 drops the
// rest.
type LevelSamplingConfig struct {
	Initial    int `koanf:"initial"`
	Thereafter int `koanf:"thereafter"`
}

// RedactionConfig names the field keys and value patterns that are masked.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

// NewDefaultConfig returns JSON info logging to stdout with sampling and
// redaction on.
func NewDefaultConfig() *Config {
	return &Config{
		Level:           zapcore.InfoLevel,
		Format:          "json",
		Output:          OutputConfig{Stdout: true},
		Caller:          true,
		StacktraceLevel: zapcore.ErrorLevel,
		Sampling: SamplingConfig{
			Enabled: true,
			Tick:    config.Duration(time.Second),
			Levels:  DefaultLevelSamplingConfig(),
		},
		Fields: map[string]string{"service": "corpusd"},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"password", "secret", "secret_key", "token", "api_key",
				"authorization", "bearer", "credential", "private_key",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
				`sk-[A-Za-z0-9_-]{16,}`,
			},
		},
	}
}

// DefaultLevelSamplingConfig returns the per-second budget of each level.
// Levels without an entry, Error and above included, are never sampled.
func DefaultLevelSamplingConfig() map[zapcore.Level]LevelSamplingConfig {
	return map[zapcore.Level]LevelSamplingConfig{
		TraceLevel:         {Initial: 1},
		zapcore.DebugLevel: {Initial: 10},
		zapcore.InfoLevel:  {Initial: 100, Thereafter: 10},
		zapcore.WarnLevel:  {Initial: 100, Thereafter: 100},
	}
}

// Validate reports every problem in the config at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging format %q: want json or console", c.Format))
	}
	if !c.Output.any() {
		errs = append(errs, errors.New("logging output: enable stdout, stderr or otel"))
	}
	errs = append(errs, c.Sampling.validate()...)
	if _, err := newRedactor(c.Redaction); err != nil {
		errs = append(errs, err)
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			errs = append(errs, fmt.Errorf("logging field %q=%q: key and value are required", k, v))
		}
	}
	return errors.Join(errs...)
}

func (s SamplingConfig) validate() []error {
	if !s.Enabled {
		return nil
	}
	var errs []error
	if s.Tick.Duration() <= 0 {
		errs = append(errs, errors.New("sampling tick must be positive"))
	}
	for lvl, rate := range s.Levels {
		if lvl >= zapcore.ErrorLevel {
			errs = append(errs, fmt.Errorf("sampling %s: errors are never sampled", lvl))
		}
		if rate.Initial < 0 || rate.Thereafter < 0 {
			errs = append(errs, fmt.Errorf("sampling %s: rates must be >= 0", lvl))
		}
	}
	return errs
}
