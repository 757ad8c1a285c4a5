// Package config provides configuration management for devtrail.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for devtrail.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	S3       S3Config       `mapstructure:"s3"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Summary  SummaryConfig  `mapstructure:"summary"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// URL is the full connection string. When set it takes precedence
	// over the discrete fields below.
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// RedisConfig holds the stream substrate configuration.
type RedisConfig struct {
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	ConsumerGroup string `mapstructure:"consumerGroup"`
	DeadLetterKey string `mapstructure:"deadLetterKey"`
	MaxDeliveries int    `mapstructure:"maxDeliveries"`
	PollTimeout   int    `mapstructure:"pollTimeout"` // in seconds
}

// S3Config holds object store configuration for transcripts.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"accessKeyId"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	UsePathStyle    bool   `mapstructure:"usePathStyle"`
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	// APIKey is the shared bearer secret required on every /api route.
	APIKey string `mapstructure:"apiKey"`
}

// ConsumerConfig holds event consumer configuration.
type ConsumerConfig struct {
	// Concurrency bounds how many stream entries are handled in parallel.
	Concurrency int `mapstructure:"concurrency"`
}

// PipelineConfig holds post-processing pipeline configuration.
type PipelineConfig struct {
	MaxConcurrent int `mapstructure:"maxConcurrent"`
	MaxDepth      int `mapstructure:"maxDepth"`
	// StuckThreshold is how long a session may sit in a non-terminal
	// parse state before the rescanner re-enqueues it (in seconds).
	StuckThreshold int `mapstructure:"stuckThreshold"`
	// StuckScanInterval is how often the rescanner runs (in seconds).
	StuckScanInterval int `mapstructure:"stuckScanInterval"`
}

// SummaryConfig holds session summary generation configuration.
type SummaryConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	APIKey          string  `mapstructure:"apiKey"`
	Model           string  `mapstructure:"model"`
	Temperature     float64 `mapstructure:"temperature"`
	MaxOutputTokens int     `mapstructure:"maxOutputTokens"`
	TimeoutSeconds  int     `mapstructure:"timeoutSeconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollTimeoutDuration returns the blocking-read timeout as a time.Duration.
func (r *RedisConfig) PollTimeoutDuration() time.Duration {
	return time.Duration(r.PollTimeout) * time.Second
}

// StuckThresholdDuration returns the stuck-session threshold as a time.Duration.
func (p *PipelineConfig) StuckThresholdDuration() time.Duration {
	return time.Duration(p.StuckThreshold) * time.Second
}

// StuckScanIntervalDuration returns the rescanner interval as a time.Duration.
func (p *PipelineConfig) StuckScanIntervalDuration() time.Duration {
	return time.Duration(p.StuckScanInterval) * time.Second
}

// TimeoutDuration returns the model call timeout as a time.Duration.
func (s *SummaryConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DEVTRAIL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "devtrail")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "devtrail")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Redis / stream defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.stream", "events")
	v.SetDefault("redis.consumerGroup", "devtrail-consumers")
	v.SetDefault("redis.deadLetterKey", "events:dead")
	v.SetDefault("redis.maxDeliveries", 5)
	v.SetDefault("redis.pollTimeout", 5)

	// S3 defaults
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket", "devtrail-transcripts")
	v.SetDefault("s3.accessKeyId", "")
	v.SetDefault("s3.secretAccessKey", "")
	v.SetDefault("s3.usePathStyle", false)

	// Auth defaults
	v.SetDefault("auth.apiKey", "")

	// Consumer defaults
	v.SetDefault("consumer.concurrency", 4)

	// Pipeline defaults
	v.SetDefault("pipeline.maxConcurrent", 3)
	v.SetDefault("pipeline.maxDepth", 50)
	v.SetDefault("pipeline.stuckThreshold", 600)
	v.SetDefault("pipeline.stuckScanInterval", 300)

	// Summary defaults
	v.SetDefault("summary.enabled", false)
	v.SetDefault("summary.apiKey", "")
	v.SetDefault("summary.model", "claude-3-5-haiku-latest")
	v.SetDefault("summary.temperature", 0.2)
	v.SetDefault("summary.maxOutputTokens", 256)
	v.SetDefault("summary.timeoutSeconds", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DEVTRAIL_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/devtrail/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("DEVTRAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the conventional unprefixed env vars.
	// AutomaticEnv only sees DEVTRAIL_* names, so the well-known
	// infrastructure variables are bound here.
	_ = v.BindEnv("database.url", "DATABASE_URL", "DEVTRAIL_DATABASE_URL")
	_ = v.BindEnv("redis.url", "REDIS_URL", "DEVTRAIL_REDIS_URL")
	_ = v.BindEnv("s3.endpoint", "S3_ENDPOINT", "DEVTRAIL_S3_ENDPOINT")
	_ = v.BindEnv("s3.region", "AWS_REGION", "DEVTRAIL_S3_REGION")
	_ = v.BindEnv("s3.bucket", "S3_BUCKET", "DEVTRAIL_S3_BUCKET")
	_ = v.BindEnv("s3.accessKeyId", "AWS_ACCESS_KEY_ID", "DEVTRAIL_S3_ACCESS_KEY_ID")
	_ = v.BindEnv("s3.secretAccessKey", "AWS_SECRET_ACCESS_KEY", "DEVTRAIL_S3_SECRET_ACCESS_KEY")
	_ = v.BindEnv("summary.apiKey", "ANTHROPIC_API_KEY", "DEVTRAIL_SUMMARY_API_KEY")
	_ = v.BindEnv("auth.apiKey", "DEVTRAIL_API_KEY", "DEVTRAIL_AUTH_API_KEY")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devtrail/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.URL == "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.url is not set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.url is not set")
		}
	}

	if cfg.Redis.URL == "" {
		errs = append(errs, "redis.url is required")
	}
	if cfg.Redis.Stream == "" {
		errs = append(errs, "redis.stream is required")
	}
	if cfg.Redis.ConsumerGroup == "" {
		errs = append(errs, "redis.consumerGroup is required")
	}
	if cfg.Redis.MaxDeliveries <= 0 {
		errs = append(errs, "redis.maxDeliveries must be positive")
	}

	if cfg.Pipeline.MaxConcurrent < 0 {
		errs = append(errs, "pipeline.maxConcurrent must not be negative")
	}
	if cfg.Pipeline.MaxDepth <= 0 {
		errs = append(errs, "pipeline.maxDepth must be positive")
	}

	if cfg.Summary.Enabled && cfg.Summary.Model == "" {
		errs = append(errs, "summary.model is required when summary.enabled is set")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
