package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sw/keycloak-login/models"
	"github.com/sw/keycloak-login/session"
)

var _ session.Store = (*SessionRepository)(nil)

var sessionsTable = models.Session{}.TableName()

// SessionRepository stores sessions in the http_sessions table
type SessionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves an unexpired session by ID
func (r *SessionRepository) Get(ctx context.Context, id string) (*models.Session, error) {
	query := fmt.Sprintf(`
		SELECT data
		FROM %s
		WHERE id = $1 AND expires_at > $2
	`, sessionsTable)

	var data []byte
	err := r.db.QueryRowContext(ctx, query, id, time.Now().UTC()).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	s := &models.Session{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return s, nil
}

// Save creates or replaces a session
func (r *SessionRepository) Save(ctx context.Context, s *models.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, data, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at
	`, sessionsTable)

	_, err = r.db.ExecContext(ctx, query, s.ID, data, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	r.logger.Debug("session saved", zap.Time("expires_at", s.ExpiresAt))
	return nil
}

// Delete removes a session. Unknown ids are ignored.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, sessionsTable)

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes every expired session
func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, sessionsTable)

	result, err := r.db.ExecContext(ctx, query, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// Ping checks the database connection
func (r *SessionRepository) Ping(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}
