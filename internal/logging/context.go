package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Context field keys.
const (
	FieldCorpusID  = "corpus_id"
	FieldAttemptID = "attempt_id"
	FieldOwnerID   = "owner_id"
	FieldRequestID = "request_id"
)

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

type ctxKey int

const (
	corpusCtxKey ctxKey = iota
	attemptCtxKey
	ownerCtxKey
	requestCtxKey
	loggerCtxKey
)

// ContextFields extracts correlation data from ctx: trace and span ids,
// then corpus, attempt, owner and request ids when present.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	for _, kv := range []struct {
		key   ctxKey
		field string
	}{
		{corpusCtxKey, FieldCorpusID},
		{attemptCtxKey, FieldAttemptID},
		{ownerCtxKey, FieldOwnerID},
		{requestCtxKey, FieldRequestID},
	} {
		if v, ok := ctx.Value(kv.key).(string); ok {
			fields = append(fields, zap.String(kv.field, v))
		}
	}
	return fields
}

// CopyCorrelation returns dst carrying the correlation ids and span context
// of src. dst keeps its own deadline and cancellation.
func CopyCorrelation(dst, src context.Context) context.Context {
	for _, k := range []ctxKey{corpusCtxKey, attemptCtxKey, ownerCtxKey, requestCtxKey} {
		if v, ok := src.Value(k).(string); ok {
			dst = context.WithValue(dst, k, v)
		}
	}
	if sc := trace.SpanContextFromContext(src); sc.IsValid() {
		dst = trace.ContextWithSpanContext(dst, sc)
	}
	return dst
}

// ValidateID checks an id carried in context: non-empty valid UTF-8 of at
// most 128 characters from [a-zA-Z0-9_.:-].
func ValidateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", name)
	}
	return nil
}

func withID(ctx context.Context, key ctxKey, name, id string) context.Context {
	if err := ValidateID(id, name); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithCorpusID adds a corpus id. Panics on an invalid id.
func WithCorpusID(ctx context.Context, id string) context.Context {
	return withID(ctx, corpusCtxKey, "corpusID", id)
}

// CorpusIDFromContext returns the corpus id, or "".
func CorpusIDFromContext(ctx context.Context) string { return idFrom(ctx, corpusCtxKey) }

// WithAttemptID adds an attempt id. Panics on an invalid id.
func WithAttemptID(ctx context.Context, id string) context.Context {
	return withID(ctx, attemptCtxKey, "attemptID", id)
}

// AttemptIDFromContext returns the attempt id, or "".
func AttemptIDFromContext(ctx context.Context) string { return idFrom(ctx, attemptCtxKey) }

// WithOwnerID adds the requesting owner. Panics on an invalid id.
func WithOwnerID(ctx context.Context, id string) context.Context {
	return withID(ctx, ownerCtxKey, "ownerID", id)
}

// OwnerIDFromContext returns the owner id, or "".
func OwnerIDFromContext(ctx context.Context) string { return idFrom(ctx, ownerCtxKey) }

// WithRequestID adds a request id. Panics on an invalid id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestCtxKey, "requestID", id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string { return idFrom(ctx, requestCtxKey) }

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey, logger)
}

// FromContext retrieves the logger stored by WithLogger, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop()}
}
