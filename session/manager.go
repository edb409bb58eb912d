package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sw/keycloak-login/models"
)

// DefaultCookieName is the session cookie name used when none is configured
const DefaultCookieName = "SESSION"

// ManagerConfig holds cookie and lifetime settings
type ManagerConfig struct {
	CookieName  string
	IdleTimeout time.Duration
	Secure      bool
}

// Manager binds sessions in a Store to the session cookie
type Manager struct {
	store       Store
	cookieName  string
	idleTimeout time.Duration
	secure      bool
	logger      *zap.Logger
}

// NewManager creates a session manager
func NewManager(store Store, cfg ManagerConfig, logger *zap.Logger) *Manager {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Manager{
		store:       store,
		cookieName:  cfg.CookieName,
		idleTimeout: cfg.IdleTimeout,
		secure:      cfg.Secure,
		logger:      logger,
	}
}

// Store returns the underlying store
func (m *Manager) Store() Store {
	return m.store
}

// Load returns the session referenced by the request cookie.
// ErrNotFound is returned when there is no cookie or the session is gone.
func (m *Manager) Load(r *http.Request) (*models.Session, error) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrNotFound
	}

	s, err := m.store.Get(r.Context(), cookie.Value)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Error("failed to load session", zap.Error(err))
		}
		return nil, err
	}
	return s, nil
}

// New returns a fresh unsaved session
func (m *Manager) New() *models.Session {
	return models.NewSession(m.idleTimeout)
}

// LoadOrNew returns the current session or a fresh unsaved one
func (m *Manager) LoadOrNew(r *http.Request) (*models.Session, error) {
	s, err := m.Load(r)
	if errors.Is(err, ErrNotFound) {
		return m.New(), nil
	}
	return s, err
}

// Save extends the session lifetime, persists it and sets the cookie
func (m *Manager) Save(ctx context.Context, w http.ResponseWriter, s *models.Session) error {
	s.Touch(m.idleTimeout)
	if err := m.store.Save(ctx, s); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	http.SetCookie(w, m.cookie(s.ID))
	return nil
}

// Refresh slides the idle timeout of a session in use. The session is saved
// only once less than half of the timeout remains; it reports whether it was.
func (m *Manager) Refresh(ctx context.Context, w http.ResponseWriter, s *models.Session) (bool, error) {
	if time.Until(s.ExpiresAt) > m.idleTimeout/2 {
		return false, nil
	}
	return true, m.Save(ctx, w, s)
}

// Rotate gives the session a new id and saves it, removing the old id from the store
func (m *Manager) Rotate(ctx context.Context, w http.ResponseWriter, s *models.Session) error {
	oldID := s.ID
	s.ID = uuid.NewString()

	if oldID != "" {
		if err := m.store.Delete(ctx, oldID); err != nil {
			return fmt.Errorf("failed to delete previous session: %w", err)
		}
	}
	return m.Save(ctx, w, s)
}

// Destroy deletes the session and expires the cookie
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, s *models.Session) error {
	if s != nil && s.ID != "" {
		if err := m.store.Delete(ctx, s.ID); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
	}

	cookie := m.cookie("")
	cookie.MaxAge = -1
	cookie.Expires = time.Unix(0, 0)
	http.SetCookie(w, cookie)
	return nil
}

func (m *Manager) cookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     m.cookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
