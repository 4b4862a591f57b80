// Package config loads the engine's tunables via spf13/viper, reading
// from ~/.syncd/config.yaml with a SYNCD_ environment prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/gmadsen/syncd/internal/model"
)

// Config holds every tunable the engine and its CLI accept.
type Config struct {
	NumThreads          int                `mapstructure:"num_threads"`
	SourceRoot          string             `mapstructure:"source_root"`
	DestinationRoot     string             `mapstructure:"destination_root"`
	LogDir              string             `mapstructure:"log_dir"`
	MaxQueue            int                `mapstructure:"max_queue"`
	MaxRetries          int                `mapstructure:"max_retries"`
	RetryDelay          time.Duration      `mapstructure:"retry_delay"`
	ConsistencyInterval time.Duration      `mapstructure:"consistency_interval"`
	RecoveryInterval    time.Duration      `mapstructure:"recovery_interval"`
	RecoveryMinAge      time.Duration      `mapstructure:"recovery_min_age"`
	VerifyMethod        model.VerifyMethod `mapstructure:"verify_method"`
	LogRotateBytes      int64              `mapstructure:"log_rotate_bytes"`
	IgnoreList          []string           `mapstructure:"ignore_list"`
	DebounceDelay       time.Duration      `mapstructure:"debounce_delay"`
	DaemonPort          int                `mapstructure:"daemon_port"`
}

// Default mirrors the reference implementation's built-in defaults
// (1 minute recovery cadence, 6 hour consistency cadence, 3 retries).
var Default = Config{
	NumThreads:          4,
	LogDir:              "/var/log/syncd",
	MaxQueue:            10000,
	MaxRetries:          3,
	RetryDelay:          5 * time.Second,
	ConsistencyInterval: 6 * time.Hour,
	RecoveryInterval:    time.Minute,
	RecoveryMinAge:      5 * time.Minute,
	VerifyMethod:        model.VerifyFastHash,
	LogRotateBytes:      100 * 1024 * 1024,
	IgnoreList:          []string{".git", "*.tmp", "*.swp", "*~", ".DS_Store"},
	DebounceDelay:       500 * time.Millisecond,
	DaemonPort:          9001,
}

// Load reads ~/.syncd/config.yaml (if present), overlays SYNCD_-prefixed
// environment variables, and falls back to Default for anything unset.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}

	configDir := filepath.Join(home, ".syncd")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)

	v.SetDefault("num_threads", Default.NumThreads)
	v.SetDefault("log_dir", Default.LogDir)
	v.SetDefault("max_queue", Default.MaxQueue)
	v.SetDefault("max_retries", Default.MaxRetries)
	v.SetDefault("retry_delay", Default.RetryDelay)
	v.SetDefault("consistency_interval", Default.ConsistencyInterval)
	v.SetDefault("recovery_interval", Default.RecoveryInterval)
	v.SetDefault("recovery_min_age", Default.RecoveryMinAge)
	v.SetDefault("verify_method", string(Default.VerifyMethod))
	v.SetDefault("log_rotate_bytes", Default.LogRotateBytes)
	v.SetDefault("ignore_list", Default.IgnoreList)
	v.SetDefault("debounce_delay", Default.DebounceDelay)
	v.SetDefault("daemon_port", Default.DaemonPort)

	v.SetEnvPrefix("SYNCD")
	v.AutomaticEnv()
	_ = v.BindEnv("source_root")
	_ = v.BindEnv("destination_root")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.SourceRoot == "" || cfg.DestinationRoot == "" {
		return nil, fmt.Errorf("source_root and destination_root must be set")
	}

	return &cfg, nil
}
