package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds callserver's full configuration tree.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Channel ChannelConfig `mapstructure:"channel"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig configures the listeners cmd/callserver opens.
type ServerConfig struct {
	GRPCAddress         string `mapstructure:"grpc_address"`
	WSAddress           string `mapstructure:"ws_address"`
	CompletionQueueDepth int    `mapstructure:"completion_queue_depth"`
}

// ChannelConfig configures outbound pkg/channel.Channel instances.
type ChannelConfig struct {
	DialTimeoutMs     int `mapstructure:"dial_timeout_ms"`
	IdleTimeoutMs     int `mapstructure:"idle_timeout_ms"`
	CleanupIntervalMs int `mapstructure:"cleanup_interval_ms"`
	CallSizeHint      int `mapstructure:"call_size_hint"`
}

// AuditConfig configures pkg/audit.Recorder's Postgres sink.
type AuditConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	User              string `mapstructure:"user"`
	Password          string `mapstructure:"password"`
	DBName            string `mapstructure:"dbname"`
	MaxConns          int32  `mapstructure:"max_conns"`
	MinConns          int32  `mapstructure:"min_conns"`
	QueueSize         int    `mapstructure:"queue_size"`
	BatchSize         int    `mapstructure:"batch_size"`
	BatchIntervalMs   int    `mapstructure:"batch_interval_ms"`
}

// RedisConfig configures pkg/channel.Registry's backing store.
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// LogConfig configures the ambient logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Load reads configuration from configPath (falling back to ./config and
// the working directory), then environment variables.
func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	}
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Log.File != "" {
		logDir := filepath.Dir(config.Log.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return &config, nil
}

// ConnectionURL builds the postgres DSN pkg/audit.Config expects.
func (c *AuditConfig) ConnectionURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Addr returns the Redis address pkg/channel.Registry dials.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
