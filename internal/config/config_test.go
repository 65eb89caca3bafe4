package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "worker", cfg.Mode)
	assert.Equal(t, "0.0.0.0", cfg.AdminHost)
	assert.Equal(t, 8080, cfg.AdminPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 500, cfg.FlushEvery)
	assert.Equal(t, 5, cfg.SchedulerPollSeconds)
	assert.Equal(t, 5, cfg.MVRefreshMaxViewsPerRun)
	assert.Equal(t, "0.0.0.0:8080", cfg.AdminListenAddr())
	assert.True(t, cfg.RecoverInterruptedRunsOnStartup)
	assert.Equal(t, []string{"http://127.0.0.1", "http://localhost"}, cfg.AdminCORSAllowedOrigins)
}
