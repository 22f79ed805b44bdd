// Package config loads the taskmesh daemon's environment-driven settings,
// the way the teacher's services read their own deployment knobs straight
// from the environment instead of a config file.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every daemon-level setting taskmeshd needs at startup.
type Config struct {
	ServiceName string
	HTTPAddr    string

	StorePath string

	NATSURL        string
	DispatchTimeout time.Duration

	SchedulerConcurrency int
	SchedulerAttempts    int

	RunSweepInterval time.Duration
	RunRetention     time.Duration

	ResultCacheSize int
	ResultCacheTTL  time.Duration
}

// Load reads configuration from the environment, applying the defaults a
// local single-binary deployment needs to start without any env vars set.
func Load() Config {
	return Config{
		ServiceName:          getenv("TASKMESH_SERVICE_NAME", "taskmeshd"),
		HTTPAddr:             getenv("TASKMESH_HTTP_ADDR", ":8080"),
		StorePath:            getenv("TASKMESH_STORE_PATH", "taskmesh.db"),
		NATSURL:              getenv("TASKMESH_NATS_URL", "nats://127.0.0.1:4222"),
		DispatchTimeout:      getDuration("TASKMESH_DISPATCH_TIMEOUT", 30*time.Second),
		SchedulerConcurrency: getInt("TASKMESH_SCHEDULER_CONCURRENCY", 4),
		SchedulerAttempts:    getInt("TASKMESH_SCHEDULER_ATTEMPTS", 3),
		RunSweepInterval:     getDuration("TASKMESH_RUN_SWEEP_INTERVAL", 10*time.Minute),
		RunRetention:         getDuration("TASKMESH_RUN_RETENTION", 24*time.Hour),
		ResultCacheSize:      getInt("TASKMESH_RESULT_CACHE_SIZE", 1024),
		ResultCacheTTL:       getDuration("TASKMESH_RESULT_CACHE_TTL", 10*time.Minute),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
