package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/sw/keycloak-login/models"
	"github.com/sw/keycloak-login/oidc"
	"github.com/sw/keycloak-login/session"
	"github.com/sw/keycloak-login/utils"
)

const (
	// AuthorizationRequestPath starts the login for the registration id that follows it
	AuthorizationRequestPath = "/oauth2/authorization/"
	// CallbackPath receives the authorization response for the registration id that follows it
	CallbackPath = "/login/oauth2/code/"
	// LogoutPath ends the session
	LogoutPath = "/logout"

	authorizationRequestTTL = 10 * time.Minute
)

// OAuth2 error codes reported in problem responses
const (
	ErrCodeAuthorizationRequestNotFound = "authorization_request_not_found"
	ErrCodeInvalidTokenResponse         = "invalid_token_response"
	ErrCodeInvalidIDToken               = "invalid_id_token"
	ErrCodeInvalidUserInfoResponse      = "invalid_user_info_response"
)

// OAuth2Client talks to the identity provider
type OAuth2Client interface {
	RegistrationID() string
	RedirectURI() string
	PKCEEnabled() bool
	AuthCodeURL(state, nonce, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, string, error)
	UserInfo(ctx context.Context, token *oauth2.Token) (oidc.Claims, error)
	EndSessionURL(idTokenHint, postLogoutRedirectURI string) string
}

// TokenValidator verifies ID tokens and returns their claims
type TokenValidator interface {
	ValidateIDToken(ctx context.Context, rawToken, nonce string) (oidc.Claims, error)
}

// Config holds the login success and logout behaviour
type Config struct {
	NameAttribute              string
	Scopes                     []string
	DefaultSuccessURL          string
	AlwaysUseDefaultSuccessURL bool
	PostLogoutRedirectURI      string
}

// Handler runs the OAuth2 login flow (authorization request, callback, logout)
// in front of the application routes.
type Handler struct {
	client    OAuth2Client
	validator TokenValidator
	sessions  *session.Manager
	cfg       Config
	logger    *zap.Logger
}

// NewHandler creates a new auth handler
func NewHandler(client OAuth2Client, validator TokenValidator, sessions *session.Manager, cfg Config, logger *zap.Logger) *Handler {
	if cfg.DefaultSuccessURL == "" {
		cfg.DefaultSuccessURL = "/"
	}
	if cfg.NameAttribute == "" {
		cfg.NameAttribute = "sub"
	}
	return &Handler{
		client:    client,
		validator: validator,
		sessions:  sessions,
		cfg:       cfg,
		logger:    logger,
	}
}

// Filter handles login flow requests and passes everything else to next
func (h *Handler) Filter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(path, AuthorizationRequestPath):
			h.HandleAuthorizationRequest(w, r, strings.TrimPrefix(path, AuthorizationRequestPath))
		case strings.HasPrefix(path, CallbackPath) && IsAuthorizationResponse(r):
			h.HandleCallback(w, r, strings.TrimPrefix(path, CallbackPath))
		case r.Method == http.MethodPost && path == LogoutPath:
			h.HandleLogout(w, r)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// IsAuthorizationResponse reports whether the query carries an authorization
// response from the provider
func IsAuthorizationResponse(r *http.Request) bool {
	q := r.URL.Query()
	return q.Get("state") != "" && (q.Get("code") != "" || q.Get("error") != "")
}

// HandleAuthorizationRequest stores a new authorization request in the session
// and redirects to the provider
func (h *Handler) HandleAuthorizationRequest(w http.ResponseWriter, r *http.Request, registrationID string) {
	if registrationID != h.client.RegistrationID() {
		_ = utils.WriteProblem(w, r, utils.Problem{
			Status: http.StatusNotFound,
			Title:  "Unknown Client Registration",
			Detail: "No client registration with id " + registrationID,
			Code:   "invalid_client_registration_id",
		})
		return
	}

	s, err := h.sessions.LoadOrNew(r)
	if err != nil {
		h.writeError(w, r, "failed to load session", err)
		return
	}

	state, err := generateSecureState()
	if err != nil {
		h.writeError(w, r, "failed to generate state", err)
		return
	}
	nonce, err := generateSecureState()
	if err != nil {
		h.writeError(w, r, "failed to generate nonce", err)
		return
	}

	var verifier string
	if h.client.PKCEEnabled() {
		verifier = oauth2.GenerateVerifier()
	}

	s.AuthorizationRequest = &models.AuthorizationRequest{
		RegistrationID: registrationID,
		State:          state,
		Nonce:          nonce,
		CodeVerifier:   verifier,
		RedirectURI:    h.client.RedirectURI(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.sessions.Save(r.Context(), w, s); err != nil {
		h.writeError(w, r, "failed to save session", err)
		return
	}

	http.Redirect(w, r, h.client.AuthCodeURL(state, nonce, verifier), http.StatusFound)
}

// HandleCallback completes the login: it checks the state, exchanges the code,
// verifies the ID token, builds the principal and redirects to the success URL
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request, registrationID string) {
	ctx := r.Context()
	q := r.URL.Query()

	s, err := h.sessions.Load(r)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		h.writeError(w, r, "failed to load session", err)
		return
	}

	authReq := h.takeAuthorizationRequest(s)
	if authReq == nil ||
		authReq.State != q.Get("state") ||
		authReq.RegistrationID != registrationID ||
		time.Since(authReq.CreatedAt) > authorizationRequestTTL {
		h.logger.Warn("authorization request not found",
			zap.String("registration_id", registrationID),
			zap.String("request_id", requestID(r)))
		h.failLogin(w, r, s, ErrCodeAuthorizationRequestNotFound, "")
		return
	}

	if code := q.Get("error"); code != "" {
		h.logger.Warn("provider returned an authorization error",
			zap.String("error", code),
			zap.String("error_description", q.Get("error_description")))
		h.failLogin(w, r, s, code, q.Get("error_description"))
		return
	}

	token, rawIDToken, err := h.client.Exchange(ctx, q.Get("code"), authReq.CodeVerifier)
	if err != nil {
		h.logger.Warn("token exchange failed", zap.Error(err))
		code := ErrCodeInvalidTokenResponse
		if errors.Is(err, ErrMissingIDToken) {
			code = ErrCodeInvalidIDToken
		}
		h.failLogin(w, r, s, code, "")
		return
	}

	claims, err := h.validator.ValidateIDToken(ctx, rawIDToken, authReq.Nonce)
	if err != nil {
		h.logger.Warn("ID token validation failed", zap.Error(err))
		h.failLogin(w, r, s, ErrCodeInvalidIDToken, "")
		return
	}

	userInfo, err := h.client.UserInfo(ctx, token)
	if err == nil {
		claims, err = oidc.MergeUserInfo(claims, userInfo)
	}
	if err != nil {
		h.logger.Warn("userinfo request failed", zap.Error(err))
		h.failLogin(w, r, s, ErrCodeInvalidUserInfoResponse, "")
		return
	}

	principal := models.NewPrincipal(claims, h.cfg.NameAttribute, grantedScopes(token, h.cfg.Scopes))

	target := h.successURL(s)
	s.Principal = principal
	s.Token = token
	s.IDToken = rawIDToken
	s.SavedRequestURL = ""

	if err := h.sessions.Rotate(ctx, w, s); err != nil {
		h.writeError(w, r, "failed to save session", err)
		return
	}

	h.logger.Info("user logged in",
		zap.String("name", principal.Name),
		zap.String("sub", principal.Subject),
		zap.String("request_id", requestID(r)))

	http.Redirect(w, r, target, http.StatusFound)
}

// HandleLogout destroys the session and redirects to the provider logout when it has one
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Load(r)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		h.writeError(w, r, "failed to load session", err)
		return
	}

	var idToken string
	if s != nil {
		idToken = s.IDToken
		if s.Principal != nil {
			h.logger.Info("user logged out", zap.String("name", s.Principal.Name))
		}
	}

	if err := h.sessions.Destroy(r.Context(), w, s); err != nil {
		h.writeError(w, r, "failed to delete session", err)
		return
	}

	target := "/"
	if idToken != "" {
		if u := h.client.EndSessionURL(idToken, h.cfg.PostLogoutRedirectURI); u != "" {
			target = u
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) successURL(s *models.Session) string {
	if h.cfg.AlwaysUseDefaultSuccessURL || s.SavedRequestURL == "" {
		return h.cfg.DefaultSuccessURL
	}
	return s.SavedRequestURL
}

// takeAuthorizationRequest removes the pending authorization request from the session
func (h *Handler) takeAuthorizationRequest(s *models.Session) *models.AuthorizationRequest {
	if s == nil {
		return nil
	}
	req := s.AuthorizationRequest
	s.AuthorizationRequest = nil
	return req
}

// failLogin persists the consumed authorization request and writes a 401 problem
func (h *Handler) failLogin(w http.ResponseWriter, r *http.Request, s *models.Session, code, detail string) {
	if s != nil {
		if err := h.sessions.Save(r.Context(), w, s); err != nil {
			h.logger.Error("failed to save session", zap.Error(err))
		}
	}
	if detail == "" {
		detail = "Login with the identity provider failed"
	}
	_ = utils.WriteProblem(w, r, utils.Problem{
		Status: http.StatusUnauthorized,
		Title:  "Authentication Failed",
		Detail: detail,
		Code:   code,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, zap.Error(err), zap.String("request_id", requestID(r)))
	_ = utils.WriteProblem(w, r, utils.Problem{
		Status: http.StatusInternalServerError,
		Detail: msg,
	})
}

// grantedScopes returns the scopes from the token response, or the requested ones
func grantedScopes(token *oauth2.Token, requested []string) []string {
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		return strings.Fields(scope)
	}
	return requested
}

func requestID(r *http.Request) string {
	return chimw.GetReqID(r.Context())
}

func generateSecureState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
