package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

var (
	globalConfig  *Config
	viperInstance *viper.Viper
	loadMu        sync.Mutex
)

// Load reads the fleetq configuration using Viper.
// The result is cached; use Reset() in tests to clear it.
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	loadMu.Lock()
	defer loadMu.Unlock()
	return initViper()
}

// LoadWithViper loads configuration using a provided Viper instance.
// Useful for tests that need an isolated configuration.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	return LoadWithViper(v)
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
}

// DefaultConfigPath returns the path Load() looks for first:
// $FLEETQ_CONFIG, then ./fleetq.toml, then ~/.config/fleetq/fleetq.toml.
func DefaultConfigPath() string {
	if p := os.Getenv("FLEETQ_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("fleetq.toml"); err == nil {
		return "fleetq.toml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "fleetq.toml"
	}
	return filepath.Join(home, ".config", "fleetq", "fleetq.toml")
}

// initViper initializes Viper with configuration sources and defaults.
// Caller must hold loadMu.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetConfigName("fleetq")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "fleetq"))
	}

	SetDefaults(v)

	// FLEETQ_QUEUE_LEASE_SECONDS=120 overrides queue.lease_seconds
	v.SetEnvPrefix("FLEETQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Missing config file is fine - defaults plus env cover everything
	_ = v.ReadInConfig()

	viperInstance = v
	return v
}

// validate rejects configurations the queue algorithms cannot run with
func validate(cfg *Config) error {
	if cfg.Queue.ClaimBatchSize < 0 {
		return fmt.Errorf("queue.claim_batch_size must be >= 0, got %d", cfg.Queue.ClaimBatchSize)
	}
	if cfg.Queue.LeaseSeconds <= 0 {
		return fmt.Errorf("queue.lease_seconds must be > 0, got %d", cfg.Queue.LeaseSeconds)
	}
	if cfg.Queue.DefaultMaxRetries < 0 {
		return fmt.Errorf("queue.default_max_retries must be >= 0, got %d", cfg.Queue.DefaultMaxRetries)
	}
	if cfg.Worker.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("worker.max_concurrent_jobs must be > 0, got %d", cfg.Worker.MaxConcurrentJobs)
	}
	if cfg.Registry.OfflineThresholdSeconds <= 0 {
		return fmt.Errorf("registry.offline_threshold_seconds must be > 0, got %d", cfg.Registry.OfflineThresholdSeconds)
	}
	return nil
}
