package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "fleetq.db")

	// Queue defaults
	v.SetDefault("queue.claim_batch_size", 5)
	v.SetDefault("queue.lease_seconds", 60)
	v.SetDefault("queue.sweep_interval_seconds", 30) // Half the lease: expired jobs are reclaimed promptly
	v.SetDefault("queue.default_max_retries", 3)

	// Worker defaults
	v.SetDefault("worker.environments", []string{"default"})
	v.SetDefault("worker.max_concurrent_jobs", 4)
	v.SetDefault("worker.poll_interval_seconds", 5)
	v.SetDefault("worker.heartbeat_seconds", 15)

	// Registry defaults
	v.SetDefault("registry.offline_threshold_seconds", 60)
	v.SetDefault("registry.reap_interval_seconds", 30)
}
