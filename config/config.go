// Package config loads the ontos core configuration.
package config

// Config represents the core ontos configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Resolution   ResolutionConfig   `mapstructure:"resolution"`
	Policy       PolicyConfig       `mapstructure:"policy"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// OrchestratorConfig configures the durable job queue workers
type OrchestratorConfig struct {
	Workers             int `mapstructure:"workers"`               // Concurrent workers per process (default: 1)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"` // Sleep between polls when work was found (default: 0 = immediate)
	IdleSleepSeconds    int `mapstructure:"idle_sleep_seconds"`    // Sleep when the queue is empty (default: 5)
	HeartbeatSeconds    int `mapstructure:"heartbeat_seconds"`     // Worker liveness heartbeat interval (default: 30)
	LeaseTimeoutSeconds int `mapstructure:"lease_timeout_seconds"` // Running jobs older than this are reclaimed (default: 120)
	DefaultMaxAttempts  int `mapstructure:"default_max_attempts"`  // Retry budget for enqueued jobs (default: 3)
}

// ResolutionConfig configures the identity resolution engine
type ResolutionConfig struct {
	Threshold float64 `mapstructure:"threshold"` // Minimum similarity for a match candidate (default: 0.75)
	Limit     int     `mapstructure:"limit"`     // Max current-state instances compared per run (default: 500)
}

// PolicyConfig configures the reactive policy trigger
type PolicyConfig struct {
	QueueSize int `mapstructure:"queue_size"` // Buffer for the best-effort event queue (default: 256)
}
