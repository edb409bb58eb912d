// Package session keeps login state on the server behind an opaque cookie.
package session

import (
	"context"
	"errors"

	"github.com/sw/keycloak-login/models"
)

// ErrNotFound is returned when a session does not exist or has expired
var ErrNotFound = errors.New("session not found")

// Store persists sessions
type Store interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	Save(ctx context.Context, s *models.Session) error
	Delete(ctx context.Context, id string) error
	// DeleteExpired removes expired sessions and returns how many were removed
	DeleteExpired(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}
