// Package telemetry installs the OpenTelemetry tracer and meter providers.
//
// Vector backend calls are traced with otel.Tracer and the embedding
// service records otel metric instruments; both report through the globals
// this package installs and are exported over OTLP (gRPC or HTTP).
// Prometheus counters are separate and served at /metrics.
//
//	tel, err := telemetry.New(ctx, cfg.Telemetry, logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
package telemetry
