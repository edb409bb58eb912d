package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sw/keycloak-login/middleware"
	"github.com/sw/keycloak-login/models"
	"github.com/sw/keycloak-login/utils"
)

func withPrincipal(r *http.Request, attrs map[string]any) *http.Request {
	p := models.NewPrincipal(attrs, "preferred_username", []string{"openid"})
	return r.WithContext(middleware.WithPrincipal(r.Context(), p))
}

func TestHandleIndex(t *testing.T) {
	handler := NewExampleHandler("keycloak", "Keycloak", zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleIndex(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "<a href='/oauth2/authorization/keycloak'>Login with Keycloak</a>", w.Body.String())
}

func TestHandleIndex_EscapesConfig(t *testing.T) {
	handler := NewExampleHandler("a'b", "<Corp>", zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleIndex(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "<a href='/oauth2/authorization/a&#39;b'>Login with &lt;Corp&gt;</a>", w.Body.String())
}

func TestHandleHome(t *testing.T) {
	t.Run("greets preferred username", func(t *testing.T) {
		handler := NewExampleHandler("keycloak", "Keycloak", zap.NewNop())
		req := withPrincipal(httptest.NewRequest(http.MethodGet, "/home", nil),
			map[string]any{"sub": "user-1", "preferred_username": "alice"})

		w := httptest.NewRecorder()
		handler.HandleHome(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
		assert.Equal(t, "Hello alice", w.Body.String())
	})

	t.Run("falls back to principal name", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		handler := NewExampleHandler("keycloak", "Keycloak", zap.New(core))
		req := withPrincipal(httptest.NewRequest(http.MethodGet, "/home", nil),
			map[string]any{"sub": "user-1"})

		w := httptest.NewRecorder()
		handler.HandleHome(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Hello user-1", w.Body.String())

		entries := logs.FilterMessage("principal has no username claim").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "preferred_username", entries[0].ContextMap()["claim"])
	})

	t.Run("non-string claim falls back", func(t *testing.T) {
		handler := NewExampleHandler("keycloak", "Keycloak", zap.NewNop())
		req := withPrincipal(httptest.NewRequest(http.MethodGet, "/home", nil),
			map[string]any{"sub": "user-1", "preferred_username": 42})

		w := httptest.NewRecorder()
		handler.HandleHome(w, req)

		assert.Equal(t, "Hello 42", w.Body.String())
	})

	t.Run("no name at all", func(t *testing.T) {
		handler := NewExampleHandler("keycloak", "Keycloak", zap.NewNop())
		req := httptest.NewRequest(http.MethodGet, "/home", nil)
		req = req.WithContext(middleware.WithPrincipal(req.Context(), &models.Principal{}))

		w := httptest.NewRecorder()
		handler.HandleHome(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		var p utils.Problem
		require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
		assert.Equal(t, "Missing Claim", p.Title)
	})

	t.Run("no principal", func(t *testing.T) {
		handler := NewExampleHandler("keycloak", "Keycloak", zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleHome(w, httptest.NewRequest(http.MethodGet, "/home", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHandleLoginCode(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := NewExampleHandler("keycloak", "Keycloak", zap.New(core))

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "abc-123")
	req := httptest.NewRequest(http.MethodGet, "/login/oauth2/code/abc-123", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	w := httptest.NewRecorder()
	handler.HandleLoginCode(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "{}", w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	entries := logs.FilterMessage("login code endpoint called").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "abc-123", entries[0].ContextMap()["id"])
}

func TestHandleMe(t *testing.T) {
	handler := NewExampleHandler("keycloak", "Keycloak", zap.NewNop())
	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/me", nil),
		map[string]any{"sub": "user-1", "preferred_username": "alice", "email": "alice@example.com"})

	w := httptest.NewRecorder()
	handler.HandleMe(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response PrincipalResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "alice", response.Name)
	assert.Equal(t, "user-1", response.Subject)
	assert.Equal(t, []string{models.AuthorityOIDCUser, "SCOPE_openid"}, response.Authorities)
	assert.Equal(t, "alice@example.com", response.Attributes["email"])
	assert.Nil(t, response.SessionExpiresAt)
}

func TestHandleMe_SessionExpiry(t *testing.T) {
	handler := NewExampleHandler("keycloak", "Keycloak", zap.NewNop())
	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/me", nil),
		map[string]any{"sub": "user-1", "preferred_username": "alice"})
	s := models.NewSession(30 * time.Minute)
	req = req.WithContext(middleware.WithSession(req.Context(), s))

	w := httptest.NewRecorder()
	handler.HandleMe(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response PrincipalResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.NotNil(t, response.SessionExpiresAt)
	assert.WithinDuration(t, s.ExpiresAt, *response.SessionExpiresAt, time.Millisecond)
}

func TestNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	NotFound(w, httptest.NewRequest(http.MethodGet, "/nope?x=1", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, utils.ContentTypeProblemJSON, w.Header().Get("Content-Type"))

	var p utils.Problem
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	assert.Equal(t, "about:blank", p.Type)
	assert.Equal(t, "Not Found Path", p.Title)
	assert.Equal(t, http.StatusNotFound, p.Status)
	assert.Equal(t, "No handler found for GET /nope", p.Detail)
	assert.Equal(t, "/nope?x=1", p.Instance)
}

func TestMethodNotAllowed(t *testing.T) {
	w := httptest.NewRecorder()
	MethodNotAllowed(w, httptest.NewRequest(http.MethodDelete, "/home", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	var p utils.Problem
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	assert.Equal(t, "Method Not Allowed", p.Title)
}
