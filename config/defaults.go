package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Default values for the ontos configuration
const (
	DefaultWorkers             = 1
	DefaultIdleSleepSeconds    = 5
	DefaultHeartbeatSeconds    = 30
	DefaultLeaseTimeoutSeconds = 120 // 4x heartbeat
	DefaultMaxAttempts         = 3

	DefaultResolutionThreshold = 0.75
	DefaultResolutionLimit     = 500

	DefaultPolicyQueueSize = 256
)

// SetDefaults registers default values on a Viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath())

	v.SetDefault("orchestrator.workers", DefaultWorkers)
	v.SetDefault("orchestrator.poll_interval_seconds", 0)
	v.SetDefault("orchestrator.idle_sleep_seconds", DefaultIdleSleepSeconds)
	v.SetDefault("orchestrator.heartbeat_seconds", DefaultHeartbeatSeconds)
	v.SetDefault("orchestrator.lease_timeout_seconds", DefaultLeaseTimeoutSeconds)
	v.SetDefault("orchestrator.default_max_attempts", DefaultMaxAttempts)

	v.SetDefault("resolution.threshold", DefaultResolutionThreshold)
	v.SetDefault("resolution.limit", DefaultResolutionLimit)

	v.SetDefault("policy.queue_size", DefaultPolicyQueueSize)
}

// DefaultDatabasePath returns the default SQLite database location (~/.ontos/ontos.db)
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ontos.db"
	}
	return filepath.Join(home, ".ontos", "ontos.db")
}
