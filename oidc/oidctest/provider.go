// Package oidctest runs an in-process OpenID provider for tests.
//
// It speaks enough of the Keycloak realm endpoints (discovery, authorize,
// token, certs, userinfo, logout) to drive a full authorization code flow.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RealmPath is the path prefix of the fake realm
const RealmPath = "/realms/test"

const endpointPrefix = RealmPath + "/protocol/openid-connect"

// Provider is a fake OpenID provider backed by an httptest.Server
type Provider struct {
	Server       *httptest.Server
	ClientID     string
	ClientSecret string
	KeyID        string
	Key          *rsa.PrivateKey

	mu           sync.Mutex
	claims       map[string]any
	userInfo     map[string]any
	codes        map[string]grant
	accessTokens map[string]string
	logouts      []url.Values
}

type grant struct {
	nonce       string
	redirectURI string
	challenge   string
	scope       string
}

// NewProvider starts a provider that is closed when the test ends.
// The default user is "alice".
func NewProvider(t testing.TB, clientID, clientSecret string) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	p := &Provider{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		KeyID:        "test-kid",
		Key:          key,
		claims: map[string]any{
			"sub":                uuid.NewString(),
			"preferred_username": "alice",
			"email":              "alice@example.com",
		},
		codes:        make(map[string]grant),
		accessTokens: make(map[string]string),
	}

	r := chi.NewRouter()
	r.Get(RealmPath+"/.well-known/openid-configuration", p.handleDiscovery)
	r.Get(endpointPrefix+"/auth", p.handleAuthorize)
	r.Post(endpointPrefix+"/token", p.handleToken)
	r.Get(endpointPrefix+"/certs", p.handleCerts)
	r.Get(endpointPrefix+"/userinfo", p.handleUserInfo)
	r.Get(endpointPrefix+"/logout", p.handleLogout)

	p.Server = httptest.NewServer(r)
	t.Cleanup(p.Server.Close)
	return p
}

// Issuer returns the issuer identifier of the realm
func (p *Provider) Issuer() string {
	return p.Server.URL + RealmPath
}

// Endpoint returns the absolute URL of a realm endpoint such as "token"
func (p *Provider) Endpoint(name string) string {
	return p.Server.URL + endpointPrefix + "/" + name
}

// SetClaims replaces the user claims placed in ID tokens
func (p *Provider) SetClaims(claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims = claims
}

// SetUserInfo sets the userinfo response. Nil serves the ID token claims.
func (p *Provider) SetUserInfo(claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userInfo = claims
}

// Claims returns the current user claims
func (p *Provider) Claims() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyClaims(p.claims)
}

// Logouts returns the query of each end-session request received
func (p *Provider) Logouts() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.logouts...)
}

// IssueCode registers an authorization code as if the user had logged in
func (p *Provider) IssueCode(nonce, redirectURI, challenge string) string {
	code := uuid.NewString()
	p.mu.Lock()
	p.codes[code] = grant{nonce: nonce, redirectURI: redirectURI, challenge: challenge, scope: "openid"}
	p.mu.Unlock()
	return code
}

// SignIDToken signs claims with the provider key. Standard claims that are
// missing are filled in.
func (p *Provider) SignIDToken(claims jwt.MapClaims) (string, error) {
	now := time.Now()
	defaults := jwt.MapClaims{
		"iss": p.Issuer(),
		"aud": p.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	for k, v := range defaults {
		if _, ok := claims[k]; !ok {
			claims[k] = v
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = p.KeyID
	return token.SignedString(p.Key)
}

// JWKS returns the public signing key set
func (p *Provider) JWKS() map[string]any {
	pub := p.Key.Public().(*rsa.PublicKey)
	return map[string]any{
		"keys": []map[string]any{{
			"kid": p.KeyID,
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                p.Endpoint("auth"),
		"token_endpoint":                        p.Endpoint("token"),
		"userinfo_endpoint":                     p.Endpoint("userinfo"),
		"jwks_uri":                              p.Endpoint("certs"),
		"end_session_endpoint":                  p.Endpoint("logout"),
		"response_types_supported":              []string{"code"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"plain", "S256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
	})
}

// handleAuthorize logs the user in without a login page
func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if q.Get("client_id") != p.ClientID || q.Get("response_type") != "code" || redirectURI == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	code := uuid.NewString()
	p.mu.Lock()
	p.codes[code] = grant{
		nonce:       q.Get("nonce"),
		redirectURI: redirectURI,
		challenge:   q.Get("code_challenge"),
		scope:       q.Get("scope"),
	}
	p.mu.Unlock()

	target, _ := url.Parse(redirectURI)
	params := target.Query()
	params.Set("code", code)
	params.Set("state", q.Get("state"))
	params.Set("session_state", uuid.NewString())
	target.RawQuery = params.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if ok {
		clientID, _ = url.QueryUnescape(clientID)
		clientSecret, _ = url.QueryUnescape(clientSecret)
	} else {
		clientID, clientSecret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != p.ClientID || clientSecret != p.ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	code := r.PostForm.Get("code")
	p.mu.Lock()
	g, found := p.codes[code]
	delete(p.codes, code)
	claims := copyClaims(p.claims)
	p.mu.Unlock()

	if !found || g.redirectURI != r.PostForm.Get("redirect_uri") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	if g.challenge != "" && s256(r.PostForm.Get("code_verifier")) != g.challenge {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "PKCE verification failed"})
		return
	}

	idClaims := jwt.MapClaims{}
	for k, v := range claims {
		idClaims[k] = v
	}
	if g.nonce != "" {
		idClaims["nonce"] = g.nonce
	}
	idToken, err := p.SignIDToken(idClaims)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	accessToken := uuid.NewString()
	p.mu.Lock()
	p.accessTokens[accessToken] = code
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    300,
		"refresh_token": uuid.NewString(),
		"id_token":      idToken,
		"scope":         g.scope,
	})
}

func (p *Provider) handleCerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.JWKS())
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	p.mu.Lock()
	_, valid := p.accessTokens[token]
	info := p.userInfo
	if info == nil {
		info = p.claims
	}
	info = copyClaims(info)
	p.mu.Unlock()

	if !valid {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (p *Provider) handleLogout(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.logouts = append(p.logouts, r.URL.Query())
	p.mu.Unlock()

	if target := r.URL.Query().Get("post_logout_redirect_uri"); target != "" {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func copyClaims(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
