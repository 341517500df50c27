package storage

import (
	"context"
	"sync"
	"time"

	"request-guardian/internal/domain"
)

const defaultCleanupInterval = time.Minute

type memoryEntry struct {
	value     any
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore keeps values in process memory. Values are stored as given,
// without serialisation. Expired entries are dropped on access and by a
// periodic cleanup goroutine that Close stops.
type MemoryStore struct {
	instrumentation

	mutex  sync.RWMutex
	data   map[string]memoryEntry
	closed bool
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates a MemoryStore cleaning expired entries every interval.
// A non-positive interval uses one minute.
func NewMemoryStore(interval time.Duration, logger domain.Logger) *MemoryStore {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	m := &MemoryStore{
		instrumentation: instrumentation{backend: "memory", logger: logger},
		data:            make(map[string]memoryEntry),
		now:             time.Now,
		stop:            make(chan struct{}),
	}

	go m.cleanup(interval)

	if logger != nil {
		logger.Info("Memory storage initialized", map[string]interface{}{
			"cleanup_interval": interval.String(),
		})
	}
	return m
}

func (m *MemoryStore) Get(ctx context.Context, key string, def any) (any, error) {
	start := time.Now()

	m.mutex.RLock()
	entry, ok := m.data[key]
	closed := m.closed
	m.mutex.RUnlock()

	if closed {
		m.logStorageOperation("get", key, start, ErrStoreClosed)
		return def, ErrStoreClosed
	}
	m.logStorageOperation("get", key, start, nil)
	if !ok || entry.expired(m.now()) {
		return def, nil
	}
	return entry.value, nil
}

func (m *MemoryStore) Has(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	m.mutex.RLock()
	entry, ok := m.data[key]
	closed := m.closed
	m.mutex.RUnlock()

	if closed {
		m.logStorageOperation("has", key, start, ErrStoreClosed)
		return false, ErrStoreClosed
	}
	m.logStorageOperation("has", key, start, nil)
	return ok && !entry.expired(m.now()), nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, value any, ttl domain.TTL) (bool, error) {
	start := time.Now()

	entry := memoryEntry{value: value}
	if at, ok := ttl.ExpiresAt(m.now()); ok {
		entry.expiresAt = at
	}

	m.mutex.Lock()
	closed := m.closed
	if !closed {
		m.data[key] = entry
	}
	m.mutex.Unlock()

	if closed {
		m.logStorageOperation("put", key, start, ErrStoreClosed)
		return false, ErrStoreClosed
	}
	m.logStorageOperation("put", key, start, nil)
	return true, nil
}

func (m *MemoryStore) Forget(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	m.mutex.Lock()
	entry, ok := m.data[key]
	closed := m.closed
	delete(m.data, key)
	m.mutex.Unlock()

	if closed {
		m.logStorageOperation("forget", key, start, ErrStoreClosed)
		return false, ErrStoreClosed
	}
	m.logStorageOperation("forget", key, start, nil)
	return ok && !entry.expired(m.now()), nil
}

// Health succeeds until the store is closed.
func (m *MemoryStore) Health(ctx context.Context) error {
	start := time.Now()

	m.mutex.RLock()
	size := len(m.data)
	closed := m.closed
	m.mutex.RUnlock()

	if closed {
		m.logStorageOperation("health", "check", start, ErrStoreClosed)
		return ErrStoreClosed
	}
	if m.logger != nil {
		m.logger.Debug("Memory storage health check", map[string]interface{}{
			"entries": size,
		})
	}
	m.logStorageOperation("health", "check", start, nil)
	return nil
}

// Close stops the cleanup goroutine and drops every entry. Later calls
// return ErrStoreClosed.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() {
		close(m.stop)

		m.mutex.Lock()
		m.data = make(map[string]memoryEntry)
		m.closed = true
		m.mutex.Unlock()

		if m.logger != nil {
			m.logger.Info("Memory storage closed", nil)
		}
	})
	return nil
}

// Len returns the number of entries, expired ones included until cleaned.
func (m *MemoryStore) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.data)
}

func (m *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupExpiredEntries()
		case <-m.stop:
			return
		}
	}
}

func (m *MemoryStore) cleanupExpiredEntries() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	removed := 0
	for key, entry := range m.data {
		if entry.expired(now) {
			delete(m.data, key)
			removed++
		}
	}

	if removed > 0 && m.logger != nil {
		m.logger.Debug("Memory storage cleanup completed", map[string]interface{}{
			"removed": removed,
		})
	}
	return removed
}
