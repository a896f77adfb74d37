package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger that records every entry at TraceLevel and above.
// Components taking a *zap.Logger get Underlying().
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

// NewTestLogger creates a recording logger.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{
		Logger: &Logger{zap: zap.New(core)},
		logs:   logs,
	}
}

// All returns every recorded entry.
func (t *TestLogger) All() []observer.LoggedEntry { return t.logs.All() }

// FilterMessage returns the entries whose message is exactly msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.logs.FilterMessage(msg)
}

// Reset drops the recorded entries.
func (t *TestLogger) Reset() { t.logs.TakeAll() }

func (t *TestLogger) find(level zapcore.Level, substr string) (observer.LoggedEntry, bool) {
	for _, e := range t.logs.All() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return e, true
		}
	}
	return observer.LoggedEntry{}, false
}

// AssertLogged fails unless an entry at level contains substr.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	if _, ok := t.find(level, substr); !ok {
		tb.Errorf("no %s entry containing %q among %d entries", level, substr, t.logs.Len())
	}
}

// AssertNotLogged fails if an entry at level contains substr.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	if e, ok := t.find(level, substr); ok {
		tb.Errorf("unexpected %s entry %q", level, e.Message)
	}
}

// AssertField fails unless an entry with message msg carries key=want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.logs.FilterMessage(msg).All() {
		if got, ok := e.ContextMap()[key]; ok && got == want {
			return
		}
	}
	tb.Errorf("no %q entry with %s=%v", msg, key, want)
}

// AssertNoSecrets fails when a message or string field matches a default
// redaction pattern, or a sensitive key holds an unredacted value.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	r, err := newRedactor(NewDefaultConfig().Redaction)
	if err != nil {
		tb.Fatalf("default redaction config: %v", err)
	}
	for _, e := range t.logs.All() {
		if r.sensitiveValue(e.Message) {
			tb.Errorf("secret in message %q", e.Message)
		}
		for _, f := range e.Context {
			if f.Type != zapcore.StringType || strings.HasPrefix(f.String, "[REDACTED") {
				continue
			}
			if r.sensitiveKey(f.Key) && f.String != "" {
				tb.Errorf("field %q not redacted", f.Key)
			}
			if r.sensitiveValue(f.String) {
				tb.Errorf("secret in field %q", f.Key)
			}
		}
	}
}
