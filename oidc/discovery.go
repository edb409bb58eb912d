package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrDiscoveryFailed is returned when the provider metadata cannot be fetched
var ErrDiscoveryFailed = errors.New("openid configuration discovery failed")

// wellKnownPath is appended to the issuer to locate the provider metadata
const wellKnownPath = "/.well-known/openid-configuration"

// Metadata is the subset of OpenID provider metadata the login flow needs
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	UserinfoEndpoint              string   `json:"userinfo_endpoint,omitempty"`
	JwksURI                       string   `json:"jwks_uri"`
	EndSessionEndpoint            string   `json:"end_session_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	IDTokenSigningAlgValues       []string `json:"id_token_signing_alg_values_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// SupportsPKCE reports whether the provider advertises the S256 challenge method
func (m *Metadata) SupportsPKCE() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	return false
}

// Discover fetches the provider metadata for issuer.
// The issuer advertised by the provider must match the one requested.
func Discover(ctx context.Context, httpClient *http.Client, issuer string) (*Metadata, error) {
	issuer = strings.TrimSuffix(issuer, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+wellKnownPath, nil)
	if err != nil {
		return nil, fmt.Errorf("create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d, body: %s", ErrDiscoveryFailed, resp.StatusCode, string(body))
	}

	var meta Metadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %v", ErrDiscoveryFailed, err)
	}

	if strings.TrimSuffix(meta.Issuer, "/") != issuer {
		return nil, fmt.Errorf("%w: issuer mismatch, expected %s, got %s", ErrDiscoveryFailed, issuer, meta.Issuer)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" || meta.JwksURI == "" {
		return nil, fmt.Errorf("%w: metadata missing required endpoints", ErrDiscoveryFailed)
	}

	return &meta, nil
}
