// Package config provides a reusable loader for cellmesh configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a cellmesh conductor process: it
// covers network transport, validation tunables, gossip rounds,
// countersigning windows, and storage paths as independent subsystem blocks.
type Config struct {
	Network struct {
		ListenAddrs    []string `mapstructure:"listen_addrs" json:"listen_addrs"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		EnableMDNS     bool     `mapstructure:"enable_mdns" json:"enable_mdns"`
	} `mapstructure:"network" json:"network"`

	Validation struct {
		ClockSkewMS             int64 `mapstructure:"clock_skew_ms" json:"clock_skew_ms"`
		AwaitingDepsRetryBudget int   `mapstructure:"awaiting_deps_retry_budget" json:"awaiting_deps_retry_budget"`
	} `mapstructure:"validation" json:"validation"`

	Gossip struct {
		RoundDeadlineMS   int64   `mapstructure:"round_deadline_ms" json:"round_deadline_ms"`
		BloomFalsePosRate float64 `mapstructure:"bloom_false_pos_rate" json:"bloom_false_pos_rate"`
		RegionThreshold   int     `mapstructure:"region_threshold" json:"region_threshold"`
		CascadeFanout     int     `mapstructure:"cascade_fanout" json:"cascade_fanout"`
	} `mapstructure:"gossip" json:"gossip"`

	Countersigning struct {
		DefaultWindowMS int64 `mapstructure:"default_window_ms" json:"default_window_ms"`
	} `mapstructure:"countersigning" json:"countersigning"`

	Storage struct {
		AuthoredDBPath string `mapstructure:"authored_db_path" json:"authored_db_path"`
		DHTDBPath      string `mapstructure:"dht_db_path" json:"dht_db_path"`
		PeerDBPath     string `mapstructure:"peer_db_path" json:"peer_db_path"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// wrap adds context to an error message, returning nil if err is nil. Kept
// local rather than behind a shared-utility package since config loading is
// its only call site.
func wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// envOrDefault returns the value of the environment variable identified by
// key, or fallback if it is unset or empty.
func envOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the CELLMESH_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(envOrDefault("CELLMESH_ENV", ""))
}
