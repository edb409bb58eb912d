package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sw/keycloak-login/auth"
	"github.com/sw/keycloak-login/config"
	"github.com/sw/keycloak-login/middleware"
	"github.com/sw/keycloak-login/oidc"
	"github.com/sw/keycloak-login/repositories/postgres"
	"github.com/sw/keycloak-login/repositories/redis"
	"github.com/sw/keycloak-login/session"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config     *config.Config
	Logger     *zap.Logger
	DB         *postgres.DB
	Redis      *goredis.Client
	HTTPClient *http.Client

	// Sessions
	SessionStore session.Store
	Sessions     *session.Manager
	Janitor      *session.Janitor

	// Security
	Policy      *middleware.SecurityPolicy
	Security    *middleware.SecurityMiddleware
	AuthClient  *auth.Client
	Validator   *oidc.Validator
	AuthHandler *auth.Handler
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:     cfg,
		Logger:     logger,
		HTTPClient: &http.Client{Timeout: cfg.OAuth2.HTTPTimeout},
	}

	if err := deps.initSessions(ctx, cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize sessions: %w", err)
	}

	if err := deps.initAuth(ctx, cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initSessions selects the session store and builds the cookie manager
func (d *Dependencies) initSessions(ctx context.Context, cfg *config.Config) error {
	switch cfg.Session.Store {
	case config.SessionStorePostgres:
		db, err := postgres.NewDB(cfg.Database, d.Logger)
		if err != nil {
			return err
		}
		d.DB = db

		if err := db.InitSchema(ctx); err != nil {
			return err
		}
		d.SessionStore = postgres.NewSessionRepository(db, d.Logger)
		d.Logger.Info("using postgres session store",
			zap.String("connection", cfg.Database.LogString()))
	case config.SessionStoreRedis:
		rdb, err := redis.NewClient(ctx, cfg.Redis, d.Logger)
		if err != nil {
			return err
		}
		d.Redis = rdb
		d.SessionStore = redis.NewSessionRepository(rdb, cfg.Redis.KeyPrefix, d.Logger)
		d.Logger.Info("using redis session store", zap.String("addr", cfg.Redis.Addr))
	default:
		d.SessionStore = session.NewMemoryStore()
		d.Logger.Info("using in-memory session store")
	}

	d.Sessions = session.NewManager(d.SessionStore, session.ManagerConfig{
		CookieName:  cfg.Session.CookieName,
		IdleTimeout: cfg.Session.IdleTimeout,
		Secure:      cfg.SecureCookies(),
	}, d.Logger)
	d.Janitor = session.NewJanitor(d.SessionStore, cfg.Session.CleanupInterval, d.Logger)
	return nil
}

// initAuth resolves the provider endpoints and builds the login flow and security policy
func (d *Dependencies) initAuth(ctx context.Context, cfg *config.Config) error {
	endpoints, err := d.resolveEndpoints(ctx, cfg.OAuth2)
	if err != nil {
		return err
	}

	d.AuthClient = auth.NewClient(auth.ClientConfig{
		RegistrationID:   cfg.OAuth2.RegistrationID,
		ProviderName:     cfg.OAuth2.ProviderName,
		ClientID:         cfg.OAuth2.ClientID,
		ClientSecret:     cfg.OAuth2.ClientSecret,
		RedirectURI:      cfg.RedirectURI(),
		Scopes:           cfg.OAuth2.Scopes,
		AuthorizationURI: endpoints.AuthorizationEndpoint,
		TokenURI:         endpoints.TokenEndpoint,
		UserInfoURI:      endpoints.UserinfoEndpoint,
		EndSessionURI:    endpoints.EndSessionEndpoint,
		PKCE:             cfg.OAuth2.PKCEEnabled || endpoints.SupportsPKCE(),
		HTTPClient:       d.HTTPClient,
	})

	d.Validator = oidc.NewValidator(oidc.ValidatorConfig{
		Issuer:     endpoints.Issuer,
		ClientID:   cfg.OAuth2.ClientID,
		JWKSURL:    endpoints.JwksURI,
		CacheTTL:   time.Hour,
		HTTPClient: d.HTTPClient,
	})

	d.Policy = middleware.NewSecurityPolicy(middleware.PolicyConfig{
		RegistrationID:             cfg.OAuth2.RegistrationID,
		DefaultSuccessURL:          cfg.Security.DefaultSuccessURL,
		AlwaysUseDefaultSuccessURL: cfg.Security.AlwaysUseDefaultSuccessURL,
	})
	d.Security = middleware.NewSecurityMiddleware(d.Policy, d.Sessions, d.Logger)

	d.AuthHandler = auth.NewHandler(d.AuthClient, d.Validator, d.Sessions, auth.Config{
		NameAttribute:              cfg.OAuth2.UserNameAttribute,
		Scopes:                     cfg.OAuth2.Scopes,
		DefaultSuccessURL:          d.Policy.DefaultSuccessURL(),
		AlwaysUseDefaultSuccessURL: d.Policy.AlwaysUseDefaultSuccessURL(),
		PostLogoutRedirectURI:      cfg.Server.ExternalURL + "/",
	}, d.Logger)

	d.Logger.Info("auth handler initialized",
		zap.String("registration_id", cfg.OAuth2.RegistrationID),
		zap.String("issuer", endpoints.Issuer),
		zap.Bool("pkce", d.AuthClient.PKCEEnabled()))
	return nil
}

// resolveEndpoints uses the configured endpoints when complete and discovery otherwise.
// Explicit endpoints override discovered ones.
func (d *Dependencies) resolveEndpoints(ctx context.Context, cfg config.OAuth2Config) (*oidc.Metadata, error) {
	metadata := &oidc.Metadata{Issuer: cfg.IssuerURI}

	if !cfg.HasExplicitEndpoints() {
		discovered, err := oidc.Discover(ctx, d.HTTPClient, cfg.IssuerURI)
		if err != nil {
			return nil, err
		}
		metadata = discovered
		d.Logger.Info("discovered provider configuration", zap.String("issuer", metadata.Issuer))
	}

	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&metadata.AuthorizationEndpoint, cfg.AuthorizationURI)
	override(&metadata.TokenEndpoint, cfg.TokenURI)
	override(&metadata.JwksURI, cfg.JWKSetURI)
	override(&metadata.UserinfoEndpoint, cfg.UserInfoURI)
	override(&metadata.EndSessionEndpoint, cfg.EndSessionURI)

	return metadata, nil
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		} else {
			d.Logger.Info("redis connection closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
