// Package config manages fleetq configuration.
//
// Configuration is layered: built-in defaults, then an optional
// fleetq.toml file, then FLEETQ_* environment variables. All knobs
// parameterize the queue algorithms; none carry protocol significance.
package config

import "time"

// Config represents the fleetq configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Registry RegistryConfig `mapstructure:"registry"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// QueueConfig configures claiming, leasing, and the sweeper
type QueueConfig struct {
	ClaimBatchSize       int `mapstructure:"claim_batch_size"`       // Jobs per claim attempt (default: 5)
	LeaseSeconds         int `mapstructure:"lease_seconds"`          // Default lease duration (default: 60)
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"` // Sweeper period, typically lease/2 (default: 30)
	DefaultMaxRetries    int `mapstructure:"default_max_retries"`    // Retries before a job is terminally failed (default: 3)
}

// WorkerConfig configures the robot runtime
type WorkerConfig struct {
	Environments        []string `mapstructure:"environments"`          // Environment tags this robot serves
	MaxConcurrentJobs   int      `mapstructure:"max_concurrent_jobs"`   // Parallel executions per robot (default: 4)
	PollIntervalSeconds int      `mapstructure:"poll_interval_seconds"` // Claim poll period (default: 5)
	HeartbeatSeconds    int      `mapstructure:"heartbeat_seconds"`     // Registry heartbeat period (default: 15)
}

// RegistryConfig configures worker liveness tracking
type RegistryConfig struct {
	OfflineThresholdSeconds int `mapstructure:"offline_threshold_seconds"` // Missed-heartbeat grace before Offline (default: 60)
	ReapIntervalSeconds     int `mapstructure:"reap_interval_seconds"`     // Reaper period (default: 30)
}

// LeaseDuration returns the configured default lease as a duration
func (q QueueConfig) LeaseDuration() time.Duration {
	return time.Duration(q.LeaseSeconds) * time.Second
}

// SweepInterval returns the sweeper period as a duration
func (q QueueConfig) SweepInterval() time.Duration {
	return time.Duration(q.SweepIntervalSeconds) * time.Second
}

// PollInterval returns the claim poll period as a duration
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the registry heartbeat period as a duration
func (w WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatSeconds) * time.Second
}

// OfflineThreshold returns the missed-heartbeat grace period as a duration
func (r RegistryConfig) OfflineThreshold() time.Duration {
	return time.Duration(r.OfflineThresholdSeconds) * time.Second
}

// ReapInterval returns the reaper period as a duration
func (r RegistryConfig) ReapInterval() time.Duration {
	return time.Duration(r.ReapIntervalSeconds) * time.Second
}
