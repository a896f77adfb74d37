package logging

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// wrapperSkip is the number of Logger frames between zap and the caller:
// the level method and write.
const wrapperSkip = 2

// Logger is a zap logger whose methods take a context and add the ids
// stored in it (see ContextFields). Components that log without a context
// take Underlying().
type Logger struct {
	zap *zap.Logger
	// skipped is set when zap was built with wrapperSkip.
	skipped bool
}

// Option configures NewLogger.
type Option func(*loggerOptions)

type loggerOptions struct {
	otelProvider log.LoggerProvider
}

// WithLoggerProvider sets the OTEL provider used when Output.OTEL is on.
func WithLoggerProvider(lp log.LoggerProvider) Option {
	return func(o *loggerOptions) { o.otelProvider = lp }
}

// NewLogger builds a logger from cfg, or from NewDefaultConfig when cfg is
// nil.
func NewLogger(cfg *Config, opts ...Option) (*Logger, error) {
	var o loggerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	core, err := newCore(cfg, o.otelProvider)
	if err != nil {
		return nil, err
	}

	zopts := []zap.Option{zap.AddStacktrace(cfg.StacktraceLevel)}
	if cfg.Caller {
		zopts = append(zopts, zap.AddCaller(), zap.AddCallerSkip(wrapperSkip))
	}
	fields := make([]zap.Field, 0, len(cfg.Fields))
	for k, v := range cfg.Fields {
		fields = append(fields, zap.String(k, v))
	}
	zopts = append(zopts, zap.Fields(fields...))

	return &Logger{zap: zap.New(core, zopts...), skipped: cfg.Caller}, nil
}

func (l *Logger) write(ctx context.Context, lvl zapcore.Level, msg string, fields []zap.Field) {
	ce := l.zap.Check(lvl, msg)
	if ce == nil {
		return
	}
	ce.Write(append(ContextFields(ctx), fields...)...)
}

// Trace logs at TraceLevel.
func (l *Logger) Trace(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, TraceLevel, msg, fields)
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.DebugLevel, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.InfoLevel, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.WarnLevel, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.ErrorLevel, msg, fields)
}

// Fatal logs and exits the process.
func (l *Logger) Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.FatalLevel, msg, fields)
}

// With returns a child logger carrying fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), skipped: l.skipped}
}

// Named returns a child logger with name appended.
func (l *Logger) Named(name string) *Logger {
	return &Logger{zap: l.zap.Named(name), skipped: l.skipped}
}

// Enabled reports whether entries at level are written.
func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.zap.Core().Enabled(level)
}

// Sync flushes buffered entries. Syncing a terminal or pipe is not an
// error.
func (l *Logger) Sync() error {
	if err := l.zap.Sync(); err != nil && !isUnsyncable(err) {
		return err
	}
	return nil
}

// Underlying returns a plain *zap.Logger on the same core that reports its
// own callers.
func (l *Logger) Underlying() *zap.Logger {
	if l.skipped {
		return l.zap.WithOptions(zap.AddCallerSkip(-wrapperSkip))
	}
	return l.zap
}

func isUnsyncable(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY)
}
