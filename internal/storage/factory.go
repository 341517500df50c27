package storage

import (
	"fmt"
	"strings"
	"time"

	"request-guardian/internal/domain"
)

// StorageType names a cache backend.
type StorageType string

const (
	MemoryStorageType   StorageType = "memory"
	RedisStorageType    StorageType = "redis"
	FileStorageType     StorageType = "file"
	DatabaseStorageType StorageType = "database"
)

// Config selects and configures a backend. Only the section matching Type is read.
type Config struct {
	Type     StorageType
	Memory   *MemoryConfig
	Redis    *RedisConfig
	Bolt     *BoltConfig
	Database *DatabaseConfig
}

type MemoryConfig struct {
	CleanupInterval time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	Database int
	Prefix   string
}

type BoltConfig struct {
	Path string
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

// Factory creates cache backends from configuration.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

// Create validates cfg and opens the backend it describes.
func (f *Factory) Create(cfg *Config, logger domain.Logger) (domain.Store, error) {
	if err := f.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	var (
		store domain.Store
		err   error
	)
	switch normalizeType(cfg.Type) {
	case MemoryStorageType:
		interval := time.Duration(0)
		if cfg.Memory != nil {
			interval = cfg.Memory.CleanupInterval
		}
		store = NewMemoryStore(interval, logger)
	case RedisStorageType:
		store, err = NewRedisStore(cfg.Redis, logger)
	case FileStorageType:
		store, err = NewBoltStore(cfg.Bolt.Path, logger)
	case DatabaseStorageType:
		store, err = NewDatabaseStore(cfg.Database, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage: %w", cfg.Type, err)
	}

	if logger != nil {
		logger.Info("Storage created successfully", map[string]interface{}{
			"type": string(normalizeType(cfg.Type)),
		})
	}
	return store, nil
}

// SupportedTypes lists the backends Create can build.
func (f *Factory) SupportedTypes() []StorageType {
	return []StorageType{MemoryStorageType, RedisStorageType, FileStorageType, DatabaseStorageType}
}

// ValidateConfig checks that the section for cfg.Type is present and usable.
func (f *Factory) ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("storage config cannot be nil")
	}

	switch normalizeType(cfg.Type) {
	case MemoryStorageType:
		return nil
	case RedisStorageType:
		return validateRedisConfig(cfg.Redis)
	case FileStorageType:
		if cfg.Bolt == nil || strings.TrimSpace(cfg.Bolt.Path) == "" {
			return fmt.Errorf("file storage path cannot be empty")
		}
		return nil
	case DatabaseStorageType:
		return validateDatabaseConfig(cfg.Database)
	default:
		return fmt.Errorf("%w: %s", ErrStoreUnsupported, cfg.Type)
	}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if cfg == nil {
		return fmt.Errorf("Redis config cannot be nil")
	}
	if cfg.Host == "" {
		return fmt.Errorf("Redis host cannot be empty")
	}
	if cfg.Port == "" {
		return fmt.Errorf("Redis port cannot be empty")
	}
	if cfg.Database < 0 || cfg.Database > 15 {
		return fmt.Errorf("Redis database must be between 0 and 15, got: %d", cfg.Database)
	}
	return nil
}

func validateDatabaseConfig(cfg *DatabaseConfig) error {
	if cfg == nil {
		return fmt.Errorf("database config cannot be nil")
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	return nil
}

func normalizeType(t StorageType) StorageType {
	return StorageType(strings.ToLower(strings.TrimSpace(string(t))))
}
