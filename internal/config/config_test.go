package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range os.Environ() {
		if len(k) > 9 && k[:9] == "DUTYDUCK_" {
			parts := splitFirst(k, '=')
			os.Unsetenv(parts)
		}
	}
}

func splitFirst(s string, sep byte) string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i]
		}
	}
	return s
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	c := &Config{}
	c.FromEnv()

	assert.Equal(t, "dev", c.Mode)
	assert.Equal(t, 4, c.HTTPMonitors.Workers)
	assert.Equal(t, 50, c.HTTPMonitors.SelectLimit)
	assert.Equal(t, 10*time.Second, c.HTTPMonitors.Interval)
	assert.Equal(t, 10, c.HTTPMonitorsPingConcurrency)
	assert.Equal(t, 24*30*time.Hour, c.DeadTaskRunRetention)
}

func TestFromEnv_OverridesComponentTuning(t *testing.T) {
	clearEnv(t)
	os.Setenv("DUTYDUCK_HTTP_MONITORS_WORKERS", "8")
	os.Setenv("DUTYDUCK_HTTP_MONITORS_SELECT_LIMIT", "200")
	os.Setenv("DUTYDUCK_HTTP_MONITORS_INTERVAL_SECONDS", "5")
	defer clearEnv(t)

	c := &Config{}
	c.FromEnv()

	assert.Equal(t, 8, c.HTTPMonitors.Workers)
	assert.Equal(t, 200, c.HTTPMonitors.SelectLimit)
	assert.Equal(t, 5*time.Second, c.HTTPMonitors.Interval)
}

func TestValidate_RejectsMissingDatabaseURL(t *testing.T) {
	c := &Config{}
	c.FromEnv()
	err := c.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsZeroWorkers(t *testing.T) {
	c := &Config{}
	c.FromEnv()
	c.DatabaseURL = "postgres://localhost/duty_duck"
	c.DueTasks.Workers = 0

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "due-tasks")
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	c := &Config{}
	c.FromEnv()
	c.DatabaseURL = "postgres://localhost/duty_duck"

	require.NoError(t, c.Validate())
}
