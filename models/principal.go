package models

import (
	"fmt"
	"time"
)

// Authority granted to every user authenticated through OpenID Connect
const AuthorityOIDCUser = "OIDC_USER"

// Principal represents the authenticated user populated by the security layer
// after a successful login. It is read-only once built.
type Principal struct {
	Name            string         `json:"name"`
	Subject         string         `json:"sub"`
	Attributes      map[string]any `json:"attributes"`
	Authorities     []string       `json:"authorities"`
	AuthenticatedAt time.Time      `json:"authenticated_at"`
}

// NewPrincipal creates a Principal from the merged ID token and userinfo claims.
// The name is read from nameAttribute and falls back to the subject.
func NewPrincipal(attributes map[string]any, nameAttribute string, scopes []string) *Principal {
	attrs := make(map[string]any, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}

	sub, _ := attrs["sub"].(string)
	name := sub
	if v, ok := attrs[nameAttribute]; ok && v != nil {
		if s := fmt.Sprint(v); s != "" {
			name = s
		}
	}

	authorities := make([]string, 0, len(scopes)+1)
	authorities = append(authorities, AuthorityOIDCUser)
	for _, scope := range scopes {
		authorities = append(authorities, "SCOPE_"+scope)
	}

	return &Principal{
		Name:            name,
		Subject:         sub,
		Attributes:      attrs,
		Authorities:     authorities,
		AuthenticatedAt: time.Now().UTC(),
	}
}

// Attribute returns the named attribute and whether it was present
func (p *Principal) Attribute(name string) (any, bool) {
	if p == nil || p.Attributes == nil {
		return nil, false
	}
	v, ok := p.Attributes[name]
	return v, ok
}

// StringAttribute returns the named attribute when it is a non-empty string
func (p *Principal) StringAttribute(name string) (string, bool) {
	v, ok := p.Attribute(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// HasAuthority checks if the principal was granted the given authority
func (p *Principal) HasAuthority(authority string) bool {
	if p == nil {
		return false
	}
	for _, a := range p.Authorities {
		if a == authority {
			return true
		}
	}
	return false
}
