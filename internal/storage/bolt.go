package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"request-guardian/internal/domain"
)

const bucketCache = "guardian_cache"

// boltEnvelope is the msgpack record stored per key.
type boltEnvelope struct {
	Value     any   `msgpack:"value"`
	ExpiresAt int64 `msgpack:"expires_at"` // unix nanoseconds, 0 = never
}

func (e boltEnvelope) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixNano() >= e.ExpiresAt
}

// BoltStore is a file-backed store using a single bbolt database.
type BoltStore struct {
	instrumentation

	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) the bbolt database at path.
func NewBoltStore(path string, logger domain.Logger) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketCache)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketCache, err)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("File storage opened", map[string]interface{}{"path": path})
	}
	return &BoltStore{
		instrumentation: instrumentation{backend: "file", logger: logger},
		db:              db,
		now:             time.Now,
	}, nil
}

func (s *BoltStore) Get(ctx context.Context, key string, def any) (any, error) {
	start := time.Now()

	env, ok, err := s.read(key)
	s.logStorageOperation("get", key, start, err)
	if err != nil {
		return nil, err
	}
	if !ok {
		return def, nil
	}
	return env.Value, nil
}

func (s *BoltStore) Has(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	_, ok, err := s.read(key)
	s.logStorageOperation("has", key, start, err)
	return ok, err
}

func (s *BoltStore) Put(ctx context.Context, key string, value any, ttl domain.TTL) (bool, error) {
	start := time.Now()

	env := boltEnvelope{Value: value}
	if at, ok := ttl.ExpiresAt(s.now()); ok {
		env.ExpiresAt = at.UnixNano()
	}
	data, err := msgpack.Marshal(env)
	if err != nil {
		err = fmt.Errorf("%w: key %s: %v", ErrStoreEncode, key, err)
		s.logStorageOperation("put", key, start, err)
		return false, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCache)).Put([]byte(key), data)
	})
	s.logStorageOperation("put", key, start, err)
	if err != nil {
		return false, fmt.Errorf("failed to put key %s: %w", key, err)
	}
	return true, nil
}

// Forget deletes key. An expired entry is removed but reported as absent.
func (s *BoltStore) Forget(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCache))
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		env, err := decodeEnvelope(raw)
		existed = err == nil && !env.expired(s.now())
		return b.Delete([]byte(key))
	})
	s.logStorageOperation("forget", key, start, err)
	if err != nil {
		return false, fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return existed, nil
}

// PruneExpired deletes every expired entry and returns how many were removed.
func (s *BoltStore) PruneExpired(ctx context.Context) (int, error) {
	start := time.Now()

	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCache))
		var stale [][]byte
		now := s.now()
		if err := b.ForEach(func(k, v []byte) error {
			env, err := decodeEnvelope(v)
			if err != nil || env.expired(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	s.logStorageOperation("prune", "*", start, err)
	return removed, err
}

// Health checks the bucket is readable.
func (s *BoltStore) Health(ctx context.Context) error {
	start := time.Now()

	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketCache)) == nil {
			return fmt.Errorf("bucket %s missing", bucketCache)
		}
		return nil
	})
	s.logStorageOperation("health", "check", start, err)
	return err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// read returns the live envelope at key. Expired entries are deleted.
func (s *BoltStore) read(key string) (boltEnvelope, bool, error) {
	var (
		env   boltEnvelope
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketCache)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		decoded, err := decodeEnvelope(raw)
		if err != nil {
			return fmt.Errorf("key %s: %w", key, err)
		}
		env, found = decoded, true
		return nil
	})
	if err != nil || !found {
		return boltEnvelope{}, false, err
	}

	if env.expired(s.now()) {
		if err := s.dropIfExpired(key); err != nil {
			return boltEnvelope{}, false, fmt.Errorf("failed to drop expired key %s: %w", key, err)
		}
		return boltEnvelope{}, false, nil
	}
	return env, true, nil
}

// dropIfExpired deletes key only if the entry it holds now is still expired,
// so a value written since the read survives.
func (s *BoltStore) dropIfExpired(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCache))
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		env, err := decodeEnvelope(raw)
		if err != nil || !env.expired(s.now()) {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// decodeEnvelope decodes integers as int64 and floats as float64.
func decodeEnvelope(raw []byte) (boltEnvelope, error) {
	var env boltEnvelope
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&env); err != nil {
		return boltEnvelope{}, fmt.Errorf("%w: %v", ErrStoreDecode, err)
	}
	return env, nil
}
