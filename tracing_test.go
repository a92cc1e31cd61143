package querycelery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracingEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		enabled bool
	}{
		{"unset", map[string]string{}, false},
		{"endpoint", map[string]string{"OTEL_EXPORTER_OTLP_ENDPOINT": "http://localhost:4318"}, true},
		{"disabled", map[string]string{"OTEL_EXPORTER_OTLP_ENDPOINT": "http://localhost:4318", "OTEL_SDK_DISABLED": "TRUE"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadTracingEnv(tt.env)
			require.NoError(t, err)
			assert.Equal(t, tt.enabled, cfg.enabled())
		})
	}
}

func TestTracingEnvInvalid(t *testing.T) {
	_, err := loadTracingEnv(map[string]string{"OTEL_SDK_DISABLED": "maybe"})
	assert.Error(t, err)
}

func TestSetupTracingWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := setupTracing(context.Background(), "query")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
