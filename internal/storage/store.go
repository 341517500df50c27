package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"request-guardian/internal/domain"
	"request-guardian/internal/metrics"
)

var (
	ErrStoreClosed      = errors.New("store is closed")
	ErrStoreEncode      = errors.New("failed to encode cache value")
	ErrStoreDecode      = errors.New("failed to decode cache value")
	ErrStoreUnsupported = errors.New("unsupported storage type")
)

// jsonAPI keeps integers as int64 when values come back from Redis or the database.
var jsonAPI = sonic.Config{
	UseInt64:         true,
	EscapeHTML:       false,
	CompactMarshaler: true,
}.Froze()

func encodeJSON(value any) (string, error) {
	data, err := jsonAPI.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreEncode, err)
	}
	return string(data), nil
}

func decodeJSON(raw string) (any, error) {
	var value any
	if err := jsonAPI.UnmarshalFromString(raw, &value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreDecode, err)
	}
	return value, nil
}

// instrumentation logs and measures every backend call.
type instrumentation struct {
	backend string
	logger  domain.Logger
}

func (i instrumentation) logStorageOperation(operation, key string, start time.Time, err error) {
	latency := time.Since(start)
	metrics.ObserveCacheOperation(i.backend, operation, latency.Seconds(), err)

	if i.logger == nil {
		return
	}
	fields := map[string]interface{}{
		"backend":    i.backend,
		"operation":  operation,
		"key":        key,
		"latency_ms": float64(latency.Microseconds()) / 1000,
	}
	if err != nil {
		i.logger.Error("Storage operation failed", err, fields)
		return
	}
	i.logger.Debug("Storage operation completed", fields)
}
