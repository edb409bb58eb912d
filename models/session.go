package models

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// AuthorizationRequest holds the state of an authorization-code flow between
// the redirect to the provider and its callback
type AuthorizationRequest struct {
	RegistrationID string    `json:"registration_id"`
	State          string    `json:"state"`
	Nonce          string    `json:"nonce"`
	CodeVerifier   string    `json:"code_verifier,omitempty"`
	RedirectURI    string    `json:"redirect_uri"`
	CreatedAt      time.Time `json:"created_at"`
}

// Session is the server-side state behind the session cookie
type Session struct {
	ID                   string                `json:"id"`
	Principal            *Principal            `json:"principal,omitempty"`
	AuthorizationRequest *AuthorizationRequest `json:"authorization_request,omitempty"`
	Token                *oauth2.Token         `json:"token,omitempty"`
	IDToken              string                `json:"id_token,omitempty"`
	SavedRequestURL      string                `json:"saved_request_url,omitempty"`
	CreatedAt            time.Time             `json:"created_at"`
	ExpiresAt            time.Time             `json:"expires_at"`
}

// TableName returns the table name for the Session model
func (Session) TableName() string {
	return "http_sessions"
}

// NewSession creates a new Session with a random ID that expires after ttl
func NewSession(ttl time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// IsAuthenticated returns true if a login completed on this session
func (s *Session) IsAuthenticated() bool {
	return s != nil && s.Principal != nil
}

// IsExpired returns true if the session is past its expiry at the given time
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Touch extends the session expiry by ttl from now
func (s *Session) Touch(ttl time.Duration) {
	s.ExpiresAt = time.Now().UTC().Add(ttl)
}
