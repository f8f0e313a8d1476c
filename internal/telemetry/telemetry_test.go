package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/config"
)

func TestNewDisabled(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false, ServiceName: "test"}, "dev")
	require.NoError(t, err)
	require.NotNil(t, tel)

	_, span := tel.Tracer().Start(context.Background(), "noop")
	span.End()

	assert.NoError(t, tel.Close())
}

func TestNewUnsupportedExporter(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{
		Enabled:      true,
		ServiceName:  "test",
		ExporterType: "zipkin",
	}, "dev")

	assert.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "unsupported exporter type")
}
