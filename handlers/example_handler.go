package handlers

import (
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sw/keycloak-login/middleware"
	"github.com/sw/keycloak-login/utils"
)

// UsernameClaim is the claim greeted on the home page
const UsernameClaim = "preferred_username"

// ExampleHandler serves the login example pages
type ExampleHandler struct {
	registrationID string
	providerName   string
	logger         *zap.Logger
}

// PrincipalResponse is the JSON view of the logged in user
type PrincipalResponse struct {
	Name        string         `json:"name"`
	Subject     string         `json:"subject"`
	Authorities []string       `json:"authorities"`
	Attributes  map[string]any `json:"attributes"`
	// SessionExpiresAt is when the session ends unless the user stays active
	SessionExpiresAt *time.Time `json:"session_expires_at,omitempty"`
}

// NewExampleHandler creates a new ExampleHandler
func NewExampleHandler(registrationID, providerName string, logger *zap.Logger) *ExampleHandler {
	return &ExampleHandler{
		registrationID: registrationID,
		providerName:   providerName,
		logger:         logger,
	}
}

// HandleIndex handles GET /
func (h *ExampleHandler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	link := fmt.Sprintf("<a href='/oauth2/authorization/%s'>Login with %s</a>",
		html.EscapeString(h.registrationID), html.EscapeString(h.providerName))
	_ = utils.WriteHTML(w, http.StatusOK, link)
}

// HandleHome handles GET /home
func (h *ExampleHandler) HandleHome(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipalFromContext(r.Context())
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	name, ok := principal.StringAttribute(UsernameClaim)
	if !ok {
		h.logger.Warn("principal has no username claim",
			zap.String("claim", UsernameClaim),
			zap.String("sub", principal.Subject),
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())))
		name = principal.Name
	}
	if name == "" {
		_ = utils.WriteProblem(w, r, utils.Problem{
			Status: http.StatusInternalServerError,
			Title:  "Missing Claim",
			Detail: "The authenticated user has no " + UsernameClaim + " claim",
		})
		return
	}

	_ = utils.WriteText(w, http.StatusOK, "Hello "+name)
}

// HandleLoginCode handles GET /login/oauth2/code/{id} requests that carry no authorization response
func (h *ExampleHandler) HandleLoginCode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.logger.Info("login code endpoint called", zap.String("id", id))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{}"))
}

// HandleMe handles GET /me
func (h *ExampleHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipalFromContext(r.Context())
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	response := PrincipalResponse{
		Name:        principal.Name,
		Subject:     principal.Subject,
		Authorities: principal.Authorities,
		Attributes:  principal.Attributes,
	}
	if s := middleware.GetSessionFromContext(r.Context()); s != nil {
		expiresAt := s.ExpiresAt
		response.SessionExpiresAt = &expiresAt
	}

	if err := utils.WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("failed to write principal response", zap.Error(err))
	}
}
