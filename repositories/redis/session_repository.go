// Package redis stores HTTP sessions in Redis. Keys expire with the session,
// so no sweeping is needed.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sw/keycloak-login/config"
	"github.com/sw/keycloak-login/models"
	"github.com/sw/keycloak-login/session"
)

var _ session.Store = (*SessionRepository)(nil)

// SessionRepository implements session.Store on a Redis server
type SessionRepository struct {
	rdb       *goredis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewClient opens a Redis client and checks the connection
func NewClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.DialTimeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("redis connection established", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return rdb, nil
}

// NewSessionRepository creates a new SessionRepository. Keys are "<prefix>:<session id>".
func NewSessionRepository(rdb *goredis.Client, keyPrefix string, logger *zap.Logger) *SessionRepository {
	if keyPrefix == "" {
		keyPrefix = "session"
	}
	return &SessionRepository{
		rdb:       rdb,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

func (r *SessionRepository) key(id string) string {
	return r.keyPrefix + ":" + id
}

// Get retrieves a session by id
func (r *SessionRepository) Get(ctx context.Context, id string) (*models.Session, error) {
	raw, err := r.rdb.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s models.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if s.IsExpired(time.Now()) {
		return nil, session.ErrNotFound
	}
	return &s, nil
}

// Save stores the session with a TTL matching its expiry
func (r *SessionRepository) Save(ctx context.Context, s *models.Session) error {
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return r.Delete(ctx, s.ID)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	if err := r.rdb.Set(ctx, r.key(s.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete removes a session
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op; Redis evicts expired keys itself
func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

// Ping checks the Redis connection
func (r *SessionRepository) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
