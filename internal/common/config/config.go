// Package config provides configuration management for Gunaso.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Gunaso.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Queues     QueueConfig      `mapstructure:"queues"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Locale     LocaleConfig     `mapstructure:"locale"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// When Host is empty, a local SQLite database at Path is used instead.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
	Path     string `mapstructure:"path"` // SQLite fallback
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus and broker (unified mode).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// QueueConfig holds the broker queue names per task kind.
type QueueConfig struct {
	LLM        string `mapstructure:"llm"`
	FileUpload string `mapstructure:"fileUpload"`
	Messaging  string `mapstructure:"messaging"`
	Database   string `mapstructure:"database"`
	Default    string `mapstructure:"default"`
}

// WorkerConfig holds worker runtime limits.
type WorkerConfig struct {
	Concurrency   int `mapstructure:"concurrency"`   // consumers per queue
	SoftTimeLimit int `mapstructure:"softTimeLimit"` // seconds; cancels the body context
	HardTimeLimit int `mapstructure:"hardTimeLimit"` // seconds; abandons the attempt
}

// EncryptionConfig holds the field-level encryption key material.
type EncryptionConfig struct {
	KeyPath string `mapstructure:"keyPath"` // directory holding master.key
}

// BridgeConfig holds the web-tier task-status HTTP bridge settings.
type BridgeConfig struct {
	BaseURL string `mapstructure:"baseUrl"` // e.g. http://localhost:8080
	Timeout int    `mapstructure:"timeout"` // seconds
}

// LocaleConfig holds display and default-address settings.
type LocaleConfig struct {
	Timezone        string `mapstructure:"timezone"`
	DefaultProvince string `mapstructure:"defaultProvince"`
	DefaultDistrict string `mapstructure:"defaultDistrict"`
}

// LLMConfig holds the endpoints of the language-model services.
type LLMConfig struct {
	BaseURL string `mapstructure:"baseUrl"`
	APIKey  string `mapstructure:"apiKey"`
	Timeout int    `mapstructure:"timeout"` // seconds per call
}

// NotifyConfig holds outbound notification settings.
type NotifyConfig struct {
	AppriseURLs   string `mapstructure:"appriseUrls"`   // apprise target URLs (comma separated)
	SMSWebhookURL string `mapstructure:"smsWebhookUrl"` // HTTP gateway for SMS delivery
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

// TimeoutDuration returns the bridge client timeout as a time.Duration.
func (b *BridgeConfig) TimeoutDuration() time.Duration {
	return time.Duration(b.Timeout) * time.Second
}

// TimeoutDuration returns the per-call LLM timeout as a time.Duration.
func (l *LLMConfig) TimeoutDuration() time.Duration {
	return time.Duration(l.Timeout) * time.Second
}

// UsePostgres reports whether a PostgreSQL host is configured.
func (d *DatabaseConfig) UsePostgres() bool {
	return d.Host != ""
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("GUNASO_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gunaso")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "gunaso")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.path", "gunaso.db")

	// NATS defaults - empty URL means use in-memory bus and broker
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "gunaso")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("queues.llm", "llm")
	v.SetDefault("queues.fileUpload", "file_upload")
	v.SetDefault("queues.messaging", "messaging")
	v.SetDefault("queues.database", "database")
	v.SetDefault("queues.default", "default")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.softTimeLimit", 120)
	v.SetDefault("worker.hardTimeLimit", 180)

	v.SetDefault("encryption.keyPath", defaultKeyPath())

	v.SetDefault("bridge.baseUrl", "http://localhost:8080")
	v.SetDefault("bridge.timeout", 10)

	v.SetDefault("locale.timezone", "Asia/Kathmandu")
	v.SetDefault("locale.defaultProvince", "KO")
	v.SetDefault("locale.defaultDistrict", "JH")

	v.SetDefault("llm.baseUrl", "http://localhost:9000")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.timeout", 60)

	v.SetDefault("notify.appriseUrls", "")
	v.SetDefault("notify.smsWebhookUrl", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gunaso"
	}
	return home + "/.gunaso"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix GUNASO_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("GUNASO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/gunaso/")

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

	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	} else if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required when database.host is not set")
	}

	if cfg.Worker.Concurrency <= 0 {
		errs = append(errs, "worker.concurrency must be positive")
	}
	if cfg.Worker.HardTimeLimit < cfg.Worker.SoftTimeLimit {
		errs = append(errs, "worker.hardTimeLimit must be >= worker.softTimeLimit")
	}

	if cfg.Bridge.Timeout <= 0 {
		errs = append(errs, "bridge.timeout must be positive")
	}

	if _, err := time.LoadLocation(cfg.Locale.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("locale.timezone is invalid: %v", err))
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
