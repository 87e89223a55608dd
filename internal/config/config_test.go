package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 0.8, cfg.Pipeline.ConfidenceThreshold)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "v1.billing.messages", cfg.NATS.Messages.Subject)
	assert.Equal(t, "v1.calls.outcome", cfg.NATS.Outcomes.Subject)
	assert.Equal(t, 30*time.Minute, cfg.Reconciler.CallTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Reconciler.RetryAfter)
	assert.Equal(t, 3, cfg.RateLimit.MaxCalls)
	assert.Contains(t, cfg.Pipeline.Keywords, "invoice")
	assert.NotEmpty(t, cfg.Compliance.Disclosure)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PIPELINE_CONFIDENCETHRESHOLD", "0.65")
	t.Setenv("RECONCILER_CALLTIMEOUT", "45m")
	t.Setenv("POSTGRES_DSN", "postgres://u:p@db:5432/billing")
	t.Setenv("COMPANY_ID", "acme")
	t.Setenv("REDIS_ADDR", "redis:6380")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 0.65, cfg.Pipeline.ConfidenceThreshold)
	assert.Equal(t, 45*time.Minute, cfg.Reconciler.CallTimeout)
	assert.Equal(t, "postgres://u:p@db:5432/billing", cfg.Database.PostgresDSN)
	assert.Equal(t, "acme", cfg.Company.ID)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
}

func TestLoadConfig_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "threshold above one", env: map[string]string{"PIPELINE_CONFIDENCETHRESHOLD": "1.5"}},
		{name: "zero rate cap", env: map[string]string{"RATELIMIT_MAXCALLS": "0"}},
		{name: "unknown driver", env: map[string]string{"DATABASE_DRIVER": "mysql"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(t.TempDir())
			assert.Error(t, err)
		})
	}
}
