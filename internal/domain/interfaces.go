package domain

import (
	"context"
)

// Cache is the narrow storage contract consumed by the guardian core.
// Every backend in internal/storage implements it.
type Cache interface {
	// Get returns the value stored at key, or def when the key is missing or expired.
	Get(ctx context.Context, key string, def any) (any, error)

	// Has reports whether a live (non-expired) value exists at key.
	Has(ctx context.Context, key string) (bool, error)

	// Put stores value at key with the given expiry.
	Put(ctx context.Context, key string, value any, ttl TTL) (bool, error)

	// Forget deletes key. It reports false when nothing was deleted.
	Forget(ctx context.Context, key string) (bool, error)
}

// Store is a Cache that owns resources (connections, files, goroutines).
type Store interface {
	Cache

	// Health checks that the backend is reachable
	Health(ctx context.Context) error

	// Close releases the backend
	Close() error
}

// Logger is the structured logging contract used across packages
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
	WithContext(ctx context.Context) Logger
	WithFields(fields map[string]interface{}) Logger
}
