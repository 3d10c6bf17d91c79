package config

// Package config provides a reusable loader for SpacetimeDB engine
// configuration files and environment variables. It is versioned so that
// applications can depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/clockworklabs/SpacetimeDB-sub014/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a database engine node.
// It mirrors the structure of the YAML files Load reads (default.yaml
// plus an optional per-environment file, from cmd/config or config).
type Config struct {
	Database struct {
		DataDir    string `mapstructure:"data_dir" json:"data_dir"`
		WALPath    string `mapstructure:"wal_path" json:"wal_path"`
		SchemaFile string `mapstructure:"schema_file" json:"schema_file"`
		Fsync      bool   `mapstructure:"fsync" json:"fsync"`
	} `mapstructure:"database" json:"database"`

	VM struct {
		ModulePath       string `mapstructure:"module_path" json:"module_path"`
		EnergyBudget     uint64 `mapstructure:"energy_budget" json:"energy_budget"`
		InstancePoolSize int    `mapstructure:"instance_pool_size" json:"instance_pool_size"`
	} `mapstructure:"vm" json:"vm"`

	WebSocket struct {
		ListenAddr      string `mapstructure:"listen_addr" json:"listen_addr"`
		OutboxQueueSize int    `mapstructure:"outbox_queue_size" json:"outbox_queue_size"`
		RateLimitPerSec int    `mapstructure:"rate_limit_per_sec" json:"rate_limit_per_sec"`
		RateLimitBurst  int    `mapstructure:"rate_limit_burst" json:"rate_limit_burst"`
	} `mapstructure:"websocket" json:"websocket"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // reads matching keys from process environment variables

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the STDB_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("STDB_ENV", ""))
}
