// Package config carries the monitoring execution engine's runtime
// configuration: the database connection, the admin HTTP surface, and the
// per-component worker tuning (concurrency, batch size, tick interval) for
// every sweeper the server binary can run.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ComponentConfig tunes one worker pool: how many workers run concurrently,
// how many rows each batch selects, and how long a worker sleeps between
// batches.
type ComponentConfig struct {
	Workers     int
	SelectLimit int
	Interval    time.Duration
}

// Config is the server binary's runtime configuration, populated by FromEnv
// and optionally overridden by CLI flags bound through viper in cmd/server.
type Config struct {
	Mode string

	DatabaseURL            string
	DatabaseMaxConnections int

	AdminAddr string
	AdminPort int

	HTTPMonitors                     ComponentConfig
	HTTPMonitorsPingConcurrency      int
	HTTPMonitorsProbeRatePerSecond   float64 // per-organization, 0 disables the limiter
	HTTPMonitorsProbeRateBurst       int

	Notifications  ComponentConfig
	DueTasks       ComponentConfig
	LateTasks      ComponentConfig
	AbsentTasks    ComponentConfig
	DeadTaskRuns   ComponentConfig

	DeadTaskRunRetention time.Duration

	PartitionLookaheadMonths int
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func componentFromEnv(prefix string, defaultWorkers, defaultSelectLimit int, defaultIntervalSeconds int) ComponentConfig {
	return ComponentConfig{
		Workers:     getEnvOrDefaultInt(prefix+"_WORKERS", defaultWorkers),
		SelectLimit: getEnvOrDefaultInt(prefix+"_SELECT_LIMIT", defaultSelectLimit),
		Interval:    time.Duration(getEnvOrDefaultInt(prefix+"_INTERVAL_SECONDS", defaultIntervalSeconds)) * time.Second,
	}
}

// FromEnv loads configuration from DUTYDUCK_* environment variables,
// falling back to the defaults below when unset.
func (c *Config) FromEnv() {
	c.Mode = getEnvOrDefault("DUTYDUCK_MODE", "dev")

	c.DatabaseURL = getEnvOrDefault("DUTYDUCK_DATABASE_URL", "")
	c.DatabaseMaxConnections = getEnvOrDefaultInt("DUTYDUCK_DATABASE_MAX_CONNECTIONS", 10)

	c.AdminAddr = getEnvOrDefault("DUTYDUCK_ADMIN_ADDR", "")
	c.AdminPort = getEnvOrDefaultInt("DUTYDUCK_ADMIN_PORT", 9090)

	c.HTTPMonitors = componentFromEnv("DUTYDUCK_HTTP_MONITORS", 4, 50, 10)
	c.HTTPMonitorsPingConcurrency = getEnvOrDefaultInt("DUTYDUCK_HTTP_MONITORS_PING_CONCURRENCY", 10)
	c.HTTPMonitorsProbeRatePerSecond = getEnvOrDefaultFloat("DUTYDUCK_HTTP_MONITORS_PROBE_RATE_PER_SECOND", 0)
	c.HTTPMonitorsProbeRateBurst = getEnvOrDefaultInt("DUTYDUCK_HTTP_MONITORS_PROBE_RATE_BURST", 1)

	c.Notifications = componentFromEnv("DUTYDUCK_NOTIFICATIONS", 2, 100, 15)
	c.DueTasks = componentFromEnv("DUTYDUCK_DUE_TASKS", 1, 200, 30)
	c.LateTasks = componentFromEnv("DUTYDUCK_LATE_TASKS", 1, 200, 30)
	c.AbsentTasks = componentFromEnv("DUTYDUCK_ABSENT_TASKS", 1, 200, 30)
	c.DeadTaskRuns = componentFromEnv("DUTYDUCK_DEAD_TASK_RUNS", 1, 200, 30)

	c.DeadTaskRunRetention = time.Duration(getEnvOrDefaultInt("DUTYDUCK_DEAD_TASK_RUN_RETENTION_HOURS", 24*30)) * time.Hour
	c.PartitionLookaheadMonths = getEnvOrDefaultInt("DUTYDUCK_PARTITION_LOOKAHEAD_MONTHS", 3)
}

// Validate rejects configuration that would make a worker pool meaningless
// (zero workers, non-positive batch size or interval).
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database url must be configured")
	}
	for name, cc := range map[string]ComponentConfig{
		"http-monitors":      c.HTTPMonitors,
		"notifications":      c.Notifications,
		"due-tasks":          c.DueTasks,
		"late-tasks":         c.LateTasks,
		"absent-tasks":       c.AbsentTasks,
		"dead-task-runs":     c.DeadTaskRuns,
	} {
		if cc.Workers <= 0 {
			return errors.Errorf("%s: workers must be positive", name)
		}
		if cc.SelectLimit <= 0 {
			return errors.Errorf("%s: select_limit must be positive", name)
		}
		if cc.Interval <= 0 {
			return errors.Errorf("%s: interval must be positive", name)
		}
	}
	if c.HTTPMonitorsPingConcurrency <= 0 {
		return errors.New("http_monitors_ping_concurrency must be positive")
	}
	return nil
}

func (c *Config) IsDev() bool { return c.Mode != "prod" }
