package otelx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_SAMPLING_RATIO", "4")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", " collector:4317 ")

	cfg, err := ConfigFromEnv("booking-service")
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "booking-service", cfg.ServiceName)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.SampleRatio, "out of range ratios sample everything")
	assert.Equal(t, "local", cfg.Environment)
}

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{ServiceName: "booking-service"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
