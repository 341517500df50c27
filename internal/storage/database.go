package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"request-guardian/internal/domain"
)

// CacheEntry is one row of the guardian_cache table.
type CacheEntry struct {
	Key        string `gorm:"primaryKey;size:255"`
	Value      string `gorm:"type:text;not null"`
	Expiration int64  `gorm:"not null;default:0;index"` // unix seconds, 0 = never
}

func (CacheEntry) TableName() string {
	return "guardian_cache"
}

func (e CacheEntry) expired(now time.Time) bool {
	return e.Expiration != 0 && now.Unix() >= e.Expiration
}

// DatabaseStore keeps JSON-encoded values in a SQL table through gorm.
type DatabaseStore struct {
	instrumentation

	db  *gorm.DB
	now func() time.Time
}

// NewDatabaseStore opens the configured database and migrates the cache table.
func NewDatabaseStore(cfg *DatabaseConfig, logger domain.Logger) (*DatabaseStore, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	if dialector.Name() == "sqlite" {
		// sqlite allows a single writer
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access sqlite pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&CacheEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate cache table: %w", err)
	}

	if logger != nil {
		logger.Info("Database storage connected and migrated", map[string]interface{}{
			"driver": cfg.Driver,
		})
	}
	return NewDatabaseStoreWithDB(db, logger), nil
}

// NewDatabaseStoreWithDB wraps an open gorm handle whose cache table is already migrated.
func NewDatabaseStoreWithDB(db *gorm.DB, logger domain.Logger) *DatabaseStore {
	return &DatabaseStore{
		instrumentation: instrumentation{backend: "database", logger: logger},
		db:              db,
		now:             time.Now,
	}
}

func (s *DatabaseStore) Get(ctx context.Context, key string, def any) (any, error) {
	start := time.Now()

	entry, ok, err := s.find(ctx, key)
	if err != nil || !ok {
		s.logStorageOperation("get", key, start, err)
		if err != nil {
			return nil, err
		}
		return def, nil
	}

	value, err := decodeJSON(entry.Value)
	s.logStorageOperation("get", key, start, err)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", key, err)
	}
	return value, nil
}

func (s *DatabaseStore) Has(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	_, ok, err := s.find(ctx, key)
	s.logStorageOperation("has", key, start, err)
	return ok, err
}

// Put upserts the row for key.
func (s *DatabaseStore) Put(ctx context.Context, key string, value any, ttl domain.TTL) (bool, error) {
	start := time.Now()

	data, err := encodeJSON(value)
	if err != nil {
		s.logStorageOperation("put", key, start, err)
		return false, fmt.Errorf("key %s: %w", key, err)
	}

	entry := CacheEntry{Key: key, Value: data}
	if at, ok := ttl.ExpiresAt(s.now()); ok {
		entry.Expiration = at.Unix()
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expiration"}),
	}).Create(&entry).Error
	s.logStorageOperation("put", key, start, err)
	if err != nil {
		return false, fmt.Errorf("failed to put key %s: %w", key, err)
	}
	return true, nil
}

// Forget deletes the row for key and reports whether a live row was removed.
func (s *DatabaseStore) Forget(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	_, live, err := s.find(ctx, key)
	if err != nil {
		s.logStorageOperation("forget", key, start, err)
		return false, err
	}

	res := s.db.WithContext(ctx).Where("key = ?", key).Delete(&CacheEntry{})
	s.logStorageOperation("forget", key, start, res.Error)
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete key %s: %w", key, res.Error)
	}
	return live && res.RowsAffected > 0, nil
}

// PruneExpired deletes every expired row.
func (s *DatabaseStore) PruneExpired(ctx context.Context) (int, error) {
	start := time.Now()

	res := s.db.WithContext(ctx).
		Where("expiration <> 0 AND expiration <= ?", s.now().Unix()).
		Delete(&CacheEntry{})
	s.logStorageOperation("prune", "*", start, res.Error)
	return int(res.RowsAffected), res.Error
}

// Health pings the underlying connection pool.
func (s *DatabaseStore) Health(ctx context.Context) error {
	start := time.Now()

	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	s.logStorageOperation("health", "ping", start, err)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (s *DatabaseStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// find returns the live row for key. Expired rows are deleted.
func (s *DatabaseStore) find(ctx context.Context, key string) (CacheEntry, bool, error) {
	var entry CacheEntry
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("failed to read key %s: %w", key, err)
	}

	if entry.expired(s.now()) {
		if err := s.dropIfExpired(ctx, key); err != nil {
			return CacheEntry{}, false, fmt.Errorf("failed to drop expired key %s: %w", key, err)
		}
		return CacheEntry{}, false, nil
	}
	return entry, true, nil
}

// dropIfExpired deletes the row for key only while it is still expired, so a
// value written since the read survives.
func (s *DatabaseStore) dropIfExpired(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).
		Where("key = ? AND expiration <> 0 AND expiration <= ?", key, s.now().Unix()).
		Delete(&CacheEntry{}).Error
}
