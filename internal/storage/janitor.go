package storage

import (
	"context"
	"time"

	"request-guardian/internal/domain"
)

// Pruner is implemented by persistent backends that keep expired entries
// until something deletes them.
type Pruner interface {
	PruneExpired(ctx context.Context) (int, error)
}

var (
	_ Pruner = (*BoltStore)(nil)
	_ Pruner = (*DatabaseStore)(nil)
)

// Janitor periodically prunes expired entries from a persistent backend.
type Janitor struct {
	pruner   Pruner
	interval time.Duration
	logger   domain.Logger
}

// NewJanitor creates a Janitor. interval <= 0 means one minute.
func NewJanitor(pruner Pruner, interval time.Duration, logger domain.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{pruner: pruner, interval: interval, logger: logger}
}

// Run prunes once immediately, then on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	pruned, err := j.pruner.PruneExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			j.logger.Warn("janitor: prune expired entries failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return
	}
	if pruned > 0 {
		j.logger.Info("janitor: pruned expired entries", map[string]interface{}{
			"count": pruned,
		})
	}
}
