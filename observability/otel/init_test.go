package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,broken,=x, tenant=incentives")
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "incentives"}, headers)
	require.Empty(t, ParseHeaders(""))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := ConfigFromEnv("rewardd", "dev")
	require.False(t, cfg.Traces)
	require.False(t, cfg.Metrics)
	require.Equal(t, 1.0, cfg.SampleRatio)

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	cfg = ConfigFromEnv("rewardd", "prod")
	require.True(t, cfg.Traces)
	require.True(t, cfg.Metrics)
	require.False(t, cfg.Insecure)
	require.Equal(t, 0.25, cfg.SampleRatio)
	require.Equal(t, "collector:4318", cfg.Endpoint)
}

func TestInitWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "rewardd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{})
	require.Error(t, err)

	_, err = Init(context.Background(), Config{ServiceName: "rewardd", Traces: true})
	require.Error(t, err)
}
