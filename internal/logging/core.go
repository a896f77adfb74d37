package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// instrumentationName names the OTEL log scope.
const instrumentationName = "github.com/fyrsmithlabs/corpusd"

// newCore builds the redacting, sampled core writing to the configured
// streams and, when an OTEL provider is available, to OTEL as well.
func newCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	var syncers []zapcore.WriteSyncer
	if cfg.Output.Stdout {
		syncers = append(syncers, zapcore.Lock(os.Stdout))
	}
	if cfg.Output.Stderr {
		syncers = append(syncers, zapcore.Lock(os.Stderr))
	}
	if len(syncers) > 0 {
		encoder, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(syncers...), cfg.Level))
	}

	if cfg.Output.OTEL && otelProvider != nil {
		bridge := otelzap.NewCore(instrumentationName, otelzap.WithLoggerProvider(otelProvider))
		cores = append(cores, &levelFilterCore{Core: bridge, allow: cfg.Level.Enabled})
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one output must be enabled and available")
	}

	var core zapcore.Core
	if len(cores) == 1 {
		core = cores[0]
	} else {
		core = zapcore.NewTee(cores...)
	}
	return newSampledCore(core, cfg.Sampling), nil
}

// newEncoder creates a JSON or console encoder with ISO8601 "ts".
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    encodeLevel,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}
