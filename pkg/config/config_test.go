package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, "gemini", c.Inference.Provider)
	assert.Equal(t, "sqlite", c.Storage.Backend)
	assert.Equal(t, 1, c.Pipeline.Retries)
	assert.Equal(t, 2*time.Minute, c.Pipeline.RequestDeadline)
	assert.Equal(t, 3*time.Minute, c.Pipeline.MultiTimeframeDeadline)
	assert.Equal(t, 2, c.Pipeline.CounterTrendPenalty)
	assert.Equal(t, 5, c.Pipeline.MinCounterTrendConfidence)
	assert.True(t, c.Pipeline.IgnoreContrarySignals)
	assert.Equal(t, time.Minute, c.Cache.LocalTTL)
	assert.Equal(t, "analysis.completed", c.Kafka.Topics.Completed)
	assert.Equal(t, int64(10<<20), c.Images.MaxBytes)
	assert.InDelta(t, 0.2, c.Inference.Temperature, 1e-6)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
environment: production
inference:
  provider: http
  base_url: http://sidecar:9000
pipeline:
  stage_timeout: 20s
  ignore_contrary_signals: false
  personas:
    bull:
      name: Optimist
storage:
  backend: clickhouse
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "production", c.Environment)
	assert.Equal(t, "http://sidecar:9000", c.Inference.BaseURL)
	assert.Equal(t, 20*time.Second, c.Pipeline.StageTimeout)
	assert.Equal(t, "Optimist", c.Pipeline.Personas.Bull.Name)
	assert.False(t, c.Pipeline.IgnoreContrarySignals)
	assert.Equal(t, 1, c.Pipeline.Retries, "unset keys keep their defaults")
	assert.Equal(t, "clickhouse", c.Storage.Backend)
}

func TestLoadWithEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "key-from-env")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("PORT", "9999")

	c, err := LoadWithEnv("")
	require.NoError(t, err)
	assert.Equal(t, "key-from-env", c.Inference.APIKey)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.True(t, c.Kafka.Enabled)
	assert.True(t, c.Redis.Enabled)
	assert.Equal(t, "memory", c.Storage.Backend)
	assert.Equal(t, 9999, c.Server.Port)

	t.Setenv("STORAGE_BACKEND", "postgres")
	_, err = LoadWithEnv("")
	assert.ErrorContains(t, err, "storage.backend must be")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"provider", func(c *Config) { c.Inference.Provider = "openai" }, "inference.provider must be 'gemini' or 'http', got 'openai'"},
		{"http needs url", func(c *Config) { c.Inference.Provider = "http" }, "inference.base_url is required for the http provider"},
		{"retries", func(c *Config) { c.Pipeline.Retries = 3 }, "pipeline.retries must be 0 or 1, got 3"},
		{"confidence floor", func(c *Config) { c.Pipeline.MinCounterTrendConfidence = 0 }, "pipeline.min_counter_trend_confidence must be within 1..10"},
		{"kafka brokers", func(c *Config) { c.Kafka.Enabled = true }, "kafka.brokers cannot be empty when kafka is enabled"},
		{"queue needs redis", func(c *Config) { c.Queue.Enabled = true }, "queue requires redis to be enabled"},
		{"rate limit", func(c *Config) { c.RateLimit.RPS = 0 }, "rate_limit.rps and rate_limit.burst must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.EqualError(t, c.Validate(), tt.want)
		})
	}
}
