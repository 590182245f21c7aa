package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the biometric core configuration
type Config struct {
	// HTTP API configuration
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`

	// Database configuration
	DatabasePath  string `mapstructure:"database_path"`
	EncryptionKey string `mapstructure:"encryption_key"` // hex, 32 bytes once decoded

	// Student directory (school platform database, read-only)
	PlatformDBDSN string `mapstructure:"platform_db_dsn"`

	// Health monitor configuration
	HealthCheckInterval int `mapstructure:"health_check_interval"` // seconds
	MaxProbesInFlight   int `mapstructure:"max_probes_in_flight"`

	// Device I/O configuration
	ConnectTimeout int `mapstructure:"connect_timeout"` // seconds
	CommandTimeout int `mapstructure:"command_timeout"` // seconds

	// Enrollment configuration
	EnrollPollInterval int `mapstructure:"enroll_poll_interval"` // milliseconds

	// Event delivery configuration
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`

	// Redis relay (optional, for multi-instance event fan-out)
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// Identity token verification key (tokens are issued and validated upstream;
	// the core only reads caller id and school scope out of the claims)
	TokenSecret string `mapstructure:"token_secret"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		ListenHost:          "0.0.0.0",
		ListenPort:          8090,
		DatabasePath:        "./biometric-core.db",
		EncryptionKey:       "",
		PlatformDBDSN:       "",
		HealthCheckInterval: 300,
		MaxProbesInFlight:   8,
		ConnectTimeout:      5,
		CommandTimeout:      5,
		EnrollPollInterval:  500,
		SubscriberBuffer:    64,
		RedisAddr:           "",
		RedisDB:             0,
		TokenSecret:         "",
		LogLevel:            "info",
		LogFile:             "",
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()

	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/biometric-core")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".biometric-core"))
		}
	}

	v.SetEnvPrefix("BIOCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("listen_host", cfg.ListenHost)
	v.SetDefault("listen_port", cfg.ListenPort)
	v.SetDefault("database_path", cfg.DatabasePath)
	v.SetDefault("encryption_key", cfg.EncryptionKey)
	v.SetDefault("platform_db_dsn", cfg.PlatformDBDSN)
	v.SetDefault("health_check_interval", cfg.HealthCheckInterval)
	v.SetDefault("max_probes_in_flight", cfg.MaxProbesInFlight)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("command_timeout", cfg.CommandTimeout)
	v.SetDefault("enroll_poll_interval", cfg.EnrollPollInterval)
	v.SetDefault("subscriber_buffer", cfg.SubscriberBuffer)
	v.SetDefault("redis_addr", cfg.RedisAddr)
	v.SetDefault("redis_password", cfg.RedisPassword)
	v.SetDefault("redis_db", cfg.RedisDB)
	v.SetDefault("token_secret", cfg.TokenSecret)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port must be between 1 and 65535")
	}

	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}

	if c.EncryptionKey == "" {
		return fmt.Errorf("encryption_key is required")
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return fmt.Errorf("encryption_key must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("encryption_key must decode to 32 bytes, got %d", len(key))
	}

	if c.PlatformDBDSN == "" {
		return fmt.Errorf("platform_db_dsn is required")
	}

	if c.TokenSecret == "" {
		return fmt.Errorf("token_secret is required")
	}

	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health_check_interval must be positive")
	}

	if c.MaxProbesInFlight <= 0 {
		return fmt.Errorf("max_probes_in_flight must be positive")
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}

	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be positive")
	}

	if c.EnrollPollInterval <= 0 {
		return fmt.Errorf("enroll_poll_interval must be positive")
	}

	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber_buffer must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	return nil
}

// EncryptionKeyBytes returns the decoded template encryption key.
// Validate must have been called first.
func (c *Config) EncryptionKeyBytes() []byte {
	key, _ := hex.DecodeString(c.EncryptionKey)
	return key
}

// RelayEnabled reports whether the Redis event relay is configured
func (c *Config) RelayEnabled() bool {
	return c.RedisAddr != ""
}
