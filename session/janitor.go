package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Janitor periodically removes expired sessions from a Store
type Janitor struct {
	store    Store
	interval time.Duration
	logger   *zap.Logger
}

// NewJanitor creates a janitor that sweeps every interval
func NewJanitor(store Store, interval time.Duration, logger *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Janitor{store: store, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep removes expired sessions once
func (j *Janitor) Sweep(ctx context.Context) {
	count, err := j.store.DeleteExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			j.logger.Error("failed to delete expired sessions", zap.Error(err))
		}
		return
	}
	if count > 0 {
		j.logger.Debug("cleaned up expired sessions", zap.Int64("count", count))
	}
}
