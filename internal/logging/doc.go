// Package logging provides structured logging for corpusd.
//
// # Overview
//
// Logging package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Automatic context field injection (trace_id, corpus_id, attempt_id, owner_id, request_id)
//   - Secret redaction by field name and value pattern
//   - Level-aware sampling (errors never sampled)
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithCorpusID(ctx, "c_123")
//	ctx = logging.WithAttemptID(ctx, "a_456")
//	logger.Info(ctx, "build started", zap.String("runner_type", "graph"))
//
// Output:
//
//	{
//	  "ts": "2026-03-02T10:15:30.000Z",
//	  "level": "info",
//	  "msg": "build started",
//	  "service": "corpusd",
//	  "corpus_id": "c_123",
//	  "attempt_id": "a_456",
//	  "runner_type": "graph"
//	}
//
// Components that log without a context take Underlying(), a plain
// *zap.Logger sharing the same core.
//
// # Secret Redaction
//
// Secrets are redacted at three layers:
//  1. config.Secret, which never prints its value
//  2. field names (password, api_key, secret_key, ...) including suffixed
//     names such as neo4j_password
//  3. value patterns (bearer tokens, sk- keys)
//
// # Sampling
//
// Defaults per second:
//   - Trace: first 1, drop rest
//   - Debug: first 10, drop rest
//   - Info: first 100, then 1 every 10
//   - Warn: first 100, then 1 every 100
//   - Error+: never sampled
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "test message", zap.String("key", "value"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
//	tl.AssertField(t, "test message", "key", "value")
//	tl.AssertNoSecrets(t)
package logging
