package tracing

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTracer_Disabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "выключен", cfg: Config{ServiceName: "msgrelay", JaegerEndpoint: "localhost:4317"}},
		{name: "нет endpoint", cfg: Config{ServiceName: "msgrelay", Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracer(context.Background(), tt.cfg, zerolog.Nop())

			require.NoError(t, err)
			assert.NoError(t, shutdown(context.Background()))
		})
	}
}

func TestNewResource(t *testing.T) {
	res, err := NewResource(Config{ServiceName: "msgrelay", Environment: "prod-eu"})
	require.NoError(t, err)

	attrs := res.Attributes()
	assert.Contains(t, attrs, attribute.String("service.name", "msgrelay"))
	assert.Contains(t, attrs, attribute.String("deployment.environment.name", "prod-eu"))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), Sampler(0).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), Sampler(1).Description())
	assert.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
