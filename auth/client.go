package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/sw/keycloak-login/oidc"
)

// ErrMissingIDToken is returned when the token response carries no id_token
var ErrMissingIDToken = errors.New("token response has no id_token")

// ClientConfig describes one client registration at the identity provider
type ClientConfig struct {
	RegistrationID   string
	ProviderName     string
	ClientID         string
	ClientSecret     string
	RedirectURI      string
	Scopes           []string
	AuthorizationURI string
	TokenURI         string
	UserInfoURI      string
	EndSessionURI    string
	PKCE             bool
	HTTPClient       *http.Client
}

// Client performs the provider side of the authorization code flow
type Client struct {
	registrationID string
	providerName   string
	config         *oauth2.Config
	userInfoURI    string
	endSessionURI  string
	pkce           bool
	httpClient     *http.Client
}

// NewClient creates a client for the given registration
func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = cfg.RegistrationID
	}

	return &Client{
		registrationID: cfg.RegistrationID,
		providerName:   cfg.ProviderName,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizationURI,
				TokenURL: cfg.TokenURI,
			},
		},
		userInfoURI:   cfg.UserInfoURI,
		endSessionURI: cfg.EndSessionURI,
		pkce:          cfg.PKCE,
		httpClient:    cfg.HTTPClient,
	}
}

// RegistrationID returns the id used in login and callback paths
func (c *Client) RegistrationID() string {
	return c.registrationID
}

// ProviderName returns the display name of the provider, shown on the login link
func (c *Client) ProviderName() string {
	return c.providerName
}

// RedirectURI returns the callback URL sent to the provider
func (c *Client) RedirectURI() string {
	return c.config.RedirectURL
}

// PKCEEnabled reports whether authorization requests carry a code challenge
func (c *Client) PKCEEnabled() bool {
	return c.pkce
}

// AuthCodeURL builds the provider authorization URL.
// A non-empty verifier adds an S256 code challenge.
func (c *Client) AuthCodeURL(state, nonce, verifier string) string {
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("nonce", nonce)}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return c.config.AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for tokens and returns the raw ID token with them
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, string, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	token, err := c.config.Exchange(c.withHTTPClient(ctx), code, opts...)
	if err != nil {
		return nil, "", fmt.Errorf("token exchange failed: %w", err)
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return nil, "", ErrMissingIDToken
	}
	return token, idToken, nil
}

// UserInfo fetches the userinfo claims. It returns nil claims when the
// provider has no userinfo endpoint.
func (c *Client) UserInfo(ctx context.Context, token *oauth2.Token) (oidc.Claims, error) {
	if c.userInfoURI == "" {
		return nil, nil
	}
	ctx = c.withHTTPClient(ctx)
	return oidc.FetchUserInfo(ctx, c.config.Client(ctx, token), c.userInfoURI)
}

// EndSessionURL builds the provider logout URL, or "" when the provider has none
func (c *Client) EndSessionURL(idTokenHint, postLogoutRedirectURI string) string {
	if c.endSessionURI == "" {
		return ""
	}
	u, err := url.Parse(c.endSessionURI)
	if err != nil {
		return ""
	}

	q := u.Query()
	q.Set("client_id", c.config.ClientID)
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}
