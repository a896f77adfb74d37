package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled skips checks", func(c *Config) { c.Endpoint = "" }, false},
		{"local insecure", func(c *Config) { c.Enabled = true }, false},
		{"loopback ip", func(c *Config) { c.Enabled = true; c.Endpoint = "127.0.0.1:4317" }, false},
		{"ipv6 loopback", func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, false},
		{"remote insecure", func(c *Config) { c.Enabled = true; c.Endpoint = "collector.example.com:4317" }, true},
		{"remote tls", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "collector.example.com:4317"
			c.Insecure = false
		}, false},
		{"missing endpoint", func(c *Config) { c.Enabled = true; c.Endpoint = "" }, true},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, true},
		{"bad rate", func(c *Config) { c.Enabled = true; c.SampleRate = 1.5 }, true},
		{"zero interval", func(c *Config) { c.Enabled = true; c.MetricsInterval = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.False(t, tel.Enabled())
	assert.False(t, tel.Degraded())
	assert.NotNil(t, tel.Tracer("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InstallsGlobals(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	ctx := context.Background()
	tel, err := New(ctx, cfg, nil, WithSpanExporter(spans), WithMetricReader(reader))
	require.NoError(t, err)
	assert.True(t, tel.Enabled())

	_, span := otel.Tracer("corpusd/test").Start(ctx, "vectorstore.Search")
	span.End()

	counter, err := otel.Meter("corpusd/test").Int64Counter("corpusd.test.calls")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.NotEmpty(t, rm.ScopeMetrics)
	assert.Equal(t, "corpusd.test.calls", rm.ScopeMetrics[0].Metrics[0].Name)

	require.NoError(t, tel.ForceFlush(ctx))
	got := spans.GetSpans()
	require.Len(t, got, 1)
	assert.Equal(t, "vectorstore.Search", got[0].Name)
	require.NoError(t, tel.Shutdown(ctx))
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel.local:4318", stripScheme("https://otel.local:4318"))
	assert.Equal(t, "otel.local:4318", stripScheme("http://otel.local:4318"))
	assert.Equal(t, "otel.local:4318", stripScheme("otel.local:4318"))
}
