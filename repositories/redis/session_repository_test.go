package redis

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sw/keycloak-login/config"
	"github.com/sw/keycloak-login/models"
	"github.com/sw/keycloak-login/session"
)

func newTestRepository(t *testing.T) (*SessionRepository, *miniredis.Miniredis) {
	t.Helper()

	mini := miniredis.RunT(t)
	rdb, err := NewClient(context.Background(), config.RedisConfig{
		Addr:        mini.Addr(),
		DialTimeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	return NewSessionRepository(rdb, "test-session", zap.NewNop()), mini
}

func TestSessionRepository_SaveAndGet(t *testing.T) {
	repo, mini := newTestRepository(t)
	ctx := context.Background()

	s := models.NewSession(10 * time.Minute)
	s.Principal = models.NewPrincipal(map[string]any{"sub": "user-1", "preferred_username": "alice"}, "preferred_username", []string{"openid"})
	s.IDToken = "raw-id-token"
	require.NoError(t, repo.Save(ctx, s))

	assert.True(t, mini.Exists("test-session:"+s.ID))
	ttl := mini.TTL("test-session:" + s.ID)
	assert.True(t, ttl > 9*time.Minute && ttl <= 10*time.Minute, "ttl %s", ttl)

	got, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "alice", got.Principal.Name)
	assert.Equal(t, "raw-id-token", got.IDToken)
	assert.True(t, got.IsAuthenticated())
}

func TestSessionRepository_Get(t *testing.T) {
	repo, mini := newTestRepository(t)
	ctx := context.Background()

	t.Run("unknown id", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("expired key", func(t *testing.T) {
		s := models.NewSession(time.Minute)
		require.NoError(t, repo.Save(ctx, s))

		mini.FastForward(2 * time.Minute)

		_, err := repo.Get(ctx, s.ID)
		assert.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("corrupt data", func(t *testing.T) {
		require.NoError(t, mini.Set("test-session:bad", "not json"))

		_, err := repo.Get(ctx, "bad")
		require.Error(t, err)
		assert.NotErrorIs(t, err, session.ErrNotFound)
	})
}

func TestSessionRepository_SaveExpiredDeletes(t *testing.T) {
	repo, mini := newTestRepository(t)
	ctx := context.Background()

	s := models.NewSession(time.Minute)
	require.NoError(t, repo.Save(ctx, s))

	s.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, repo.Save(ctx, s))

	assert.False(t, mini.Exists("test-session:"+s.ID))
}

func TestSessionRepository_Delete(t *testing.T) {
	repo, mini := newTestRepository(t)
	ctx := context.Background()

	s := models.NewSession(time.Minute)
	require.NoError(t, repo.Save(ctx, s))
	require.NoError(t, repo.Delete(ctx, s.ID))

	assert.False(t, mini.Exists("test-session:"+s.ID))
	assert.NoError(t, repo.Delete(ctx, "never-existed"))

	n, err := repo.DeleteExpired(ctx)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestSessionRepository_Ping(t *testing.T) {
	repo, mini := newTestRepository(t)
	ctx := context.Background()

	assert.NoError(t, repo.Ping(ctx))

	mini.SetError("LOADING Redis is loading the dataset in memory")
	assert.Error(t, repo.Ping(ctx))
}

func TestNewClient_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	rdb, err := NewClient(context.Background(), config.RedisConfig{Addr: addr, DialTimeout: 200 * time.Millisecond}, zap.NewNop())
	assert.Error(t, err)
	assert.Nil(t, rdb)
}

func TestNewSessionRepository_DefaultPrefix(t *testing.T) {
	repo := NewSessionRepository(goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"}), "", zap.NewNop())
	assert.Equal(t, "session:abc", repo.key("abc"))
}
