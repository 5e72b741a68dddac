package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lob-engine/console/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// HTTP surface
	ListenAddr  string   `mapstructure:"listen-addr"`
	StaticDir   string   `mapstructure:"static-dir"`
	CORSOrigins []string `mapstructure:"cors-origins"`

	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Working directory, also the root of the local snapshot store
	WorkDir string `mapstructure:"work-dir"`

	// Snapshot storage
	SnapshotStore string `mapstructure:"snapshot-store"`
	S3Bucket      string `mapstructure:"s3-bucket"`
	S3Region      string `mapstructure:"s3-region"`

	// Boot profiles
	AssetBaseURL    string `mapstructure:"asset-base-url"`
	NetworkRelayURL string `mapstructure:"network-relay-url"`

	// Security limits
	MaxSnapshotSize     int64   `mapstructure:"max-snapshot-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`
	SnapshotCompress    bool    `mapstructure:"snapshot-compress"`

	// Timeouts
	CommandTimeout     time.Duration `mapstructure:"command-timeout"`
	SaveTimeout        time.Duration `mapstructure:"save-timeout"`
	SessionIdleTimeout time.Duration `mapstructure:"session-idle-timeout"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	// Logging
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("listen-addr", ":8080")
	viper.SetDefault("static-dir", "")
	viper.SetDefault("cors-origins", []string{"*"})
	viper.SetDefault("sqlite-path", ".artifacts/snapshots.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm")
	viper.SetDefault("work-dir", ".artifacts/work")
	viper.SetDefault("snapshot-store", storage.BackendLocal)
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("asset-base-url", "./")
	viper.SetDefault("network-relay-url", "wss://relay.widgetry.org/")
	viper.SetDefault("max-snapshot-size", 512*1024*1024)
	viper.SetDefault("max-compression-ratio", 100.0)
	viper.SetDefault("snapshot-compress", true)
	viper.SetDefault("command-timeout", 10*time.Second)
	viper.SetDefault("save-timeout", time.Minute)
	viper.SetDefault("session-idle-timeout", 10*time.Minute)
	viper.SetDefault("fsm-max-retries", 3)
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "text")

	// Environment variables (will be LOB_SQLITE_PATH, etc.)
	viper.SetEnvPrefix("LOB")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.lob-console")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen-addr cannot be empty")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	switch c.SnapshotStore {
	case storage.BackendLocal:
		if c.WorkDir == "" {
			return fmt.Errorf("work-dir cannot be empty for the local snapshot store")
		}
	case storage.BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("s3-bucket cannot be empty for the s3 snapshot store")
		}
	default:
		return fmt.Errorf("snapshot-store must be %q or %q, got %q", storage.BackendLocal, storage.BackendS3, c.SnapshotStore)
	}
	if c.MaxSnapshotSize <= 0 {
		return fmt.Errorf("max-snapshot-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command-timeout must be positive")
	}
	if c.SaveTimeout <= 0 {
		return fmt.Errorf("save-timeout must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log-format must be text or json, got %q", c.LogFormat)
	}
	return nil
}
