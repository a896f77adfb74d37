package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
	assert.NotNil(t, logger.Underlying())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg)
	assert.ErrorContains(t, err, "format")
}

func TestNewLogger_OTELOutput(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output = OutputConfig{OTEL: true}

	_, err := NewLogger(cfg)
	assert.Error(t, err, "otel output needs a provider")

	logger, err := NewLogger(cfg, WithLoggerProvider(noop.NewLoggerProvider()))
	require.NoError(t, err)
	logger.Info(context.Background(), "forwarded")

	cfg.Output.Stdout = true
	logger, err = NewLogger(cfg, WithLoggerProvider(noop.NewLoggerProvider()))
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no output", func(c *Config) { c.Output = OutputConfig{} }},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }},
		{"sampled errors", func(c *Config) {
			c.Sampling.Levels[zapcore.ErrorLevel] = LevelSamplingConfig{Initial: 1}
		}},
		{"negative rate", func(c *Config) {
			c.Sampling.Levels[zapcore.InfoLevel] = LevelSamplingConfig{Initial: -1}
		}},
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"["} }},
		{"empty field value", func(c *Config) { c.Fields["env"] = "" }},
		{"empty field key", func(c *Config) { c.Fields[""] = "x" }},
	}
	assert.NoError(t, NewDefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLogger_InjectsContextFields(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithAttemptID(context.Background(), "a_1")

	tl.Info(ctx, "build started", zap.String("runner_type", "graph"))

	tl.AssertLogged(t, zapcore.InfoLevel, "build started")
	tl.AssertField(t, "build started", FieldAttemptID, "a_1")
	tl.AssertField(t, "build started", "runner_type", "graph")
}

func TestLogger_Levels(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()
	tl.Trace(ctx, "t")
	tl.Debug(ctx, "d")
	tl.Warn(ctx, "w")
	tl.Error(ctx, "e")

	tl.AssertLogged(t, TraceLevel, "t")
	tl.AssertLogged(t, zapcore.DebugLevel, "d")
	tl.AssertLogged(t, zapcore.WarnLevel, "w")
	tl.AssertLogged(t, zapcore.ErrorLevel, "e")
	tl.AssertNotLogged(t, zapcore.InfoLevel, "w")
	assert.Len(t, tl.All(), 4)

	tl.Reset()
	assert.Empty(t, tl.All())
}

func TestLogger_WithAndNamed(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("reaper").With(zap.String("corpus_id", "c_1"))
	child.Info(context.Background(), "corpus deleted")

	entries := tl.FilterMessage("corpus deleted").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "reaper", entries[0].LoggerName)
	tl.AssertField(t, "corpus deleted", "corpus_id", "c_1")
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestEncodeLevel(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{})
	require.NoError(t, err)
	buf, err := enc.EncodeEntry(zapcore.Entry{Level: TraceLevel, Message: "m"}, nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"level":"trace"`)
}

func TestAssertNoSecrets_PassesOnRedactedFields(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "configured",
		RedactedString("api_key", "sk-live"),
		zap.String("collection", "col__a_1__chunks"))
	tl.AssertNoSecrets(t)
}
