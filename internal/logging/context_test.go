package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func fieldMap(fields []zap.Field) map[string]string {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Key] = f.String
	}
	return m
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFields_IDs(t *testing.T) {
	ctx := WithCorpusID(context.Background(), "c_1")
	ctx = WithAttemptID(ctx, "a_1")
	ctx = WithOwnerID(ctx, "user:42")
	ctx = WithRequestID(ctx, "req-9")

	got := fieldMap(ContextFields(ctx))
	assert.Equal(t, map[string]string{
		FieldCorpusID:  "c_1",
		FieldAttemptID: "a_1",
		FieldOwnerID:   "user:42",
		FieldRequestID: "req-9",
	}, got)

	assert.Equal(t, "c_1", CorpusIDFromContext(ctx))
	assert.Equal(t, "a_1", AttemptIDFromContext(ctx))
	assert.Equal(t, "user:42", OwnerIDFromContext(ctx))
	assert.Equal(t, "req-9", RequestIDFromContext(ctx))
}

func TestContextFields_Trace(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	got := fieldMap(ContextFields(ctx))
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", got["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", got["span_id"])
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr string
	}{
		{"c_abc123", ""},
		{"a.b:c-d", ""},
		{"", "cannot be empty"},
		{strings.Repeat("x", 129), "exceeds max length"},
		{"has space", "invalid characters"},
		{"bad\xff", "invalid UTF-8"},
	}
	for _, tt := range tests {
		err := ValidateID(tt.id, "id")
		if tt.wantErr == "" {
			assert.NoError(t, err, tt.id)
			continue
		}
		assert.ErrorContains(t, err, tt.wantErr, tt.id)
	}
}

func TestWithCorpusID_PanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() { WithCorpusID(context.Background(), "") })
}

func TestFromContext(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	assert.Same(t, tl.Logger, FromContext(ctx))

	fallback := FromContext(context.Background())
	require.NotNil(t, fallback)
	fallback.Info(context.Background(), "dropped")
}

func TestCopyCorrelation(t *testing.T) {
	src := WithOwnerID(WithRequestID(context.Background(), "req-1"), "u1")
	dst, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := CopyCorrelation(dst, src)
	assert.Equal(t, "req-1", RequestIDFromContext(got))
	assert.Equal(t, "u1", OwnerIDFromContext(got))
	assert.Empty(t, CorpusIDFromContext(got))

	cancel()
	assert.ErrorIs(t, got.Err(), context.Canceled, "cancellation follows dst")
}
