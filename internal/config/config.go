package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"request-guardian/internal/storage"
)

// EnvPrefix is stripped from environment variables before they are mapped to keys.
const EnvPrefix = "GUARDIAN_"

// Config holds every setting of the service
type Config struct {
	// Storage
	StorageType           string        `koanf:"storage_type" validate:"oneof=memory redis file database"`
	RedisHost             string        `koanf:"redis_host" validate:"required_if=StorageType redis"`
	RedisPort             string        `koanf:"redis_port" validate:"omitempty,numeric"`
	RedisPassword         string        `koanf:"redis_password"`
	RedisDB               int           `koanf:"redis_db" validate:"min=0,max=15"`
	RedisPrefix           string        `koanf:"redis_prefix"`
	FilePath              string        `koanf:"file_path" validate:"required_if=StorageType file"`
	DatabaseDriver        string        `koanf:"database_driver" validate:"omitempty,oneof=sqlite postgres"`
	DatabaseDSN           string        `koanf:"database_dsn" validate:"required_if=StorageType database"`
	MemoryCleanupInterval time.Duration `koanf:"memory_cleanup_interval" validate:"min=0"`
	PruneInterval         time.Duration `koanf:"prune_interval" validate:"min=0"`

	// Guarding
	KeyPrefix      string `koanf:"key_prefix"`
	RateRules      string `koanf:"rate_rules"`
	ErrorRules     string `koanf:"error_rules"`
	ThrowIfBlocked bool   `koanf:"throw_if_blocked"`

	// Server
	ServerPort      string        `koanf:"server_port" validate:"required,numeric"`
	GinMode         string        `koanf:"gin_mode" validate:"oneof=debug release test"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`

	// Logging
	LogLevel  string `koanf:"log_level" validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFormat string `koanf:"log_format" validate:"oneof=json text"`
}

// ConfigLoader loads Config from .env files and the environment
type ConfigLoader struct {
	envFiles []string
	config   *Config
	validate *validator.Validate
}

// NewConfigLoader creates a loader. With no envFiles, ".env" is tried.
func NewConfigLoader(envFiles ...string) *ConfigLoader {
	return &ConfigLoader{
		envFiles: envFiles,
		validate: validator.New(),
	}
}

// LoadConfig loads .env (when present), then GUARDIAN_* variables over the defaults.
func (c *ConfigLoader) LoadConfig() (*Config, error) {
	if err := godotenv.Load(c.envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// "." as delimiter keeps keys such as redis_host flat
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StorageType = strings.ToLower(strings.TrimSpace(cfg.StorageType))

	if err := c.validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	c.config = cfg
	return cfg, nil
}

// Reload reloads the configuration
func (c *ConfigLoader) Reload() error {
	_, err := c.LoadConfig()
	return err
}

// GetConfig returns the last loaded configuration
func (c *ConfigLoader) GetConfig() *Config {
	return c.config
}

func (c *ConfigLoader) validateConfig(cfg *Config) error {
	if err := c.validate.Struct(cfg); err != nil {
		return err
	}
	if _, err := ParseRateRules(cfg.RateRules); err != nil {
		return fmt.Errorf("GUARDIAN_RATE_RULES: %w", err)
	}
	if _, err := ParseErrorRules(cfg.ErrorRules); err != nil {
		return fmt.Errorf("GUARDIAN_ERROR_RULES: %w", err)
	}
	return nil
}

// StorageConfig maps the flat settings onto a storage.Config
func (cfg *Config) StorageConfig() *storage.Config {
	sc := &storage.Config{Type: storage.StorageType(cfg.StorageType)}
	switch sc.Type {
	case storage.MemoryStorageType:
		sc.Memory = &storage.MemoryConfig{CleanupInterval: cfg.MemoryCleanupInterval}
	case storage.RedisStorageType:
		sc.Redis = &storage.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			Database: cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}
	case storage.FileStorageType:
		sc.Bolt = &storage.BoltConfig{Path: cfg.FilePath}
	case storage.DatabaseStorageType:
		sc.Database = &storage.DatabaseConfig{Driver: cfg.DatabaseDriver, DSN: cfg.DatabaseDSN}
	}
	return sc
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"storage_type":            "memory",
		"redis_host":              "localhost",
		"redis_port":              "6379",
		"redis_password":          "",
		"redis_db":                0,
		"redis_prefix":            storage.DefaultRedisPrefix,
		"file_path":               "data/guardian.db",
		"database_driver":         "sqlite",
		"database_dsn":            "data/guardian.sqlite",
		"memory_cleanup_interval": "1m",
		"prune_interval":          "5m",
		"key_prefix":              "guardian",
		"rate_rules":              "60/minute",
		"error_rules":             "",
		"throw_if_blocked":        true,
		"server_port":             "8080",
		"gin_mode":                "release",
		"shutdown_timeout":        "10s",
		"log_level":               "info",
		"log_format":              "json",
	}
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
