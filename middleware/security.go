package middleware

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sw/keycloak-login/models"
	"github.com/sw/keycloak-login/session"
	"github.com/sw/keycloak-login/utils"
)

// DefaultPermitAll lists the paths reachable without login.
// A trailing "*" matches every path with that prefix.
var DefaultPermitAll = []string{"/", "/error", "/login*", "/healthz", "/readyz"}

// PolicyConfig is the input to NewSecurityPolicy
type PolicyConfig struct {
	RegistrationID             string
	PermitAll                  []string
	DefaultSuccessURL          string
	AlwaysUseDefaultSuccessURL bool
}

// SecurityPolicy decides which requests need an authenticated principal and
// where logins start and end. It is read-only after construction.
type SecurityPolicy struct {
	exact                      map[string]struct{}
	prefixes                   []string
	loginEntryPoint            string
	defaultSuccessURL          string
	alwaysUseDefaultSuccessURL bool
}

// NewSecurityPolicy builds a policy. An empty PermitAll uses DefaultPermitAll.
func NewSecurityPolicy(cfg PolicyConfig) *SecurityPolicy {
	permitAll := cfg.PermitAll
	if len(permitAll) == 0 {
		permitAll = DefaultPermitAll
	}
	if cfg.DefaultSuccessURL == "" {
		cfg.DefaultSuccessURL = "/home"
	}

	p := &SecurityPolicy{
		exact:                      make(map[string]struct{}, len(permitAll)),
		loginEntryPoint:            "/oauth2/authorization/" + cfg.RegistrationID,
		defaultSuccessURL:          cfg.DefaultSuccessURL,
		alwaysUseDefaultSuccessURL: cfg.AlwaysUseDefaultSuccessURL,
	}
	for _, pattern := range permitAll {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			p.prefixes = append(p.prefixes, prefix)
			continue
		}
		p.exact[pattern] = struct{}{}
	}
	return p
}

// Permits reports whether path is reachable without login
func (p *SecurityPolicy) Permits(path string) bool {
	if _, ok := p.exact[path]; ok {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// LoginEntryPoint returns the path that starts the authorization code flow
func (p *SecurityPolicy) LoginEntryPoint() string {
	return p.loginEntryPoint
}

// DefaultSuccessURL returns where users land after login
func (p *SecurityPolicy) DefaultSuccessURL() string {
	return p.defaultSuccessURL
}

// AlwaysUseDefaultSuccessURL reports whether the remembered request URL is ignored after login
func (p *SecurityPolicy) AlwaysUseDefaultSuccessURL() bool {
	return p.alwaysUseDefaultSuccessURL
}

// SecurityMiddleware enforces a SecurityPolicy using the session principal
type SecurityMiddleware struct {
	policy   *SecurityPolicy
	sessions *session.Manager
	logger   *zap.Logger
}

// NewSecurityMiddleware creates a new SecurityMiddleware
func NewSecurityMiddleware(policy *SecurityPolicy, sessions *session.Manager, logger *zap.Logger) *SecurityMiddleware {
	return &SecurityMiddleware{
		policy:   policy,
		sessions: sessions,
		logger:   logger,
	}
}

// Authorize attaches the session principal to the request context and sends
// unauthenticated requests for protected paths to the login entry point
func (m *SecurityMiddleware) Authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		s, err := m.sessions.Load(r)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			// logged by the manager; continue unauthenticated
			s = nil
		}

		if s.IsAuthenticated() {
			if _, err := m.sessions.Refresh(ctx, w, s); err != nil {
				m.logger.Error("failed to refresh session",
					zap.String("request_id", GetRequestIDFromContext(ctx)),
					zap.Error(err))
			}
			ctx = WithSession(ctx, s)
			ctx = WithPrincipal(ctx, s.Principal)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if m.policy.Permits(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		m.logger.Debug("authentication required",
			zap.String("request_id", GetRequestIDFromContext(ctx)),
			zap.String("path", r.URL.Path))

		if r.Header.Get("X-Requested-With") == "XMLHttpRequest" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			_ = utils.WriteProblem(w, r, utils.Problem{
				Status: http.StatusUnauthorized,
				Detail: "Full authentication is required to access this resource",
			})
			return
		}

		if r.Method == http.MethodGet {
			m.saveRequest(w, r, s)
		}
		http.Redirect(w, r, m.policy.LoginEntryPoint(), http.StatusFound)
	})
}

// saveRequest remembers the requested URL so login can return to it
func (m *SecurityMiddleware) saveRequest(w http.ResponseWriter, r *http.Request, s *models.Session) {
	if s == nil {
		s = m.sessions.New()
	}
	s.SavedRequestURL = r.URL.RequestURI()
	if err := m.sessions.Save(r.Context(), w, s); err != nil {
		m.logger.Error("failed to save request", zap.Error(err))
	}
}
