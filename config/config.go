package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sw/keycloak-login/utils"
)

// Session store kinds
const (
	SessionStoreMemory   = "memory"
	SessionStorePostgres = "postgres"
	SessionStoreRedis    = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	OAuth2        OAuth2Config
	Security      SecurityConfig
	Session       SessionConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
	Environment   string `validate:"required"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int    `validate:"gt=0,lte=65535"`
	ExternalURL     string `validate:"required,url"` // Public base URL used to build redirect URIs
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	TLS             struct {
		Enabled  bool
		CertFile string `validate:"required_if=Enabled true"`
		KeyFile  string `validate:"required_if=Enabled true"`
	}
}

// OAuth2Config holds the client registration for the identity provider.
// Endpoints left empty are resolved through OpenID Connect discovery on IssuerURI.
type OAuth2Config struct {
	RegistrationID    string `validate:"required,excludesall=/?#"`
	ProviderName      string `validate:"required"`
	IssuerURI         string `validate:"omitempty,url"`
	ClientID          string `validate:"required"`
	ClientSecret      string
	Scopes            []string `validate:"required,min=1"`
	UserNameAttribute string   `validate:"required"`
	AuthorizationURI  string   `validate:"omitempty,url"`
	TokenURI          string   `validate:"omitempty,url"`
	JWKSetURI         string   `validate:"omitempty,url"`
	UserInfoURI       string   `validate:"omitempty,url"`
	EndSessionURI     string   `validate:"omitempty,url"`
	PKCEEnabled       bool
	HTTPTimeout       time.Duration
}

// SecurityConfig holds the login success policy
type SecurityConfig struct {
	DefaultSuccessURL          string `validate:"required,startswith=/"`
	AlwaysUseDefaultSuccessURL bool
}

// SessionConfig holds server-side session configuration
type SessionConfig struct {
	Store           string `validate:"oneof=memory postgres redis"`
	CookieName      string `validate:"required"`
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the Redis session store connection
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int `validate:"gte=0"`
	KeyPrefix   string
	DialTimeout time.Duration
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string `validate:"required,oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json text"`
}

// CORSConfig holds allowed cross-origin settings
type CORSConfig struct {
	AllowedOrigins []string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ExternalURL:     strings.TrimSuffix(getEnv("EXTERNAL_URL", "http://localhost:8080"), "/"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		OAuth2: OAuth2Config{
			RegistrationID:    getEnv("OAUTH2_REGISTRATION_ID", "keycloak"),
			ProviderName:      getEnv("OAUTH2_PROVIDER_NAME", "Keycloak"),
			IssuerURI:         strings.TrimSuffix(getEnv("OAUTH2_ISSUER_URI", ""), "/"),
			ClientID:          getEnv("OAUTH2_CLIENT_ID", ""),
			ClientSecret:      getEnv("OAUTH2_CLIENT_SECRET", ""),
			Scopes:            getEnvAsSlice("OAUTH2_SCOPES", []string{"openid", "profile", "email"}),
			UserNameAttribute: getEnv("OAUTH2_USER_NAME_ATTRIBUTE", "preferred_username"),
			AuthorizationURI:  getEnv("OAUTH2_AUTHORIZATION_URI", ""),
			TokenURI:          getEnv("OAUTH2_TOKEN_URI", ""),
			JWKSetURI:         getEnv("OAUTH2_JWK_SET_URI", ""),
			UserInfoURI:       getEnv("OAUTH2_USER_INFO_URI", ""),
			EndSessionURI:     getEnv("OAUTH2_END_SESSION_URI", ""),
			PKCEEnabled:       getEnvAsBool("OAUTH2_PKCE_ENABLED", false),
			HTTPTimeout:       getEnvAsDuration("OAUTH2_HTTP_TIMEOUT", 10*time.Second),
		},
		Security: SecurityConfig{
			DefaultSuccessURL:          getEnv("SECURITY_DEFAULT_SUCCESS_URL", "/home"),
			AlwaysUseDefaultSuccessURL: getEnvAsBool("SECURITY_ALWAYS_USE_DEFAULT_SUCCESS_URL", true),
		},
		Session: SessionConfig{
			Store:           strings.ToLower(getEnv("SESSION_STORE", SessionStoreMemory)),
			CookieName:      getEnv("SESSION_COOKIE_NAME", "SESSION"),
			IdleTimeout:     getEnvAsDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			CleanupInterval: getEnvAsDuration("SESSION_CLEANUP_INTERVAL", 5*time.Minute),
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addr:        getEnv("REDIS_ADDR", ""),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvAsInt("REDIS_DB", 0),
			KeyPrefix:   getEnv("REDIS_KEY_PREFIX", "keycloak-login:session"),
			DialTimeout: getEnvAsDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:*"}),
		},
	}
	cfg.Server.TLS.Enabled = getEnvAsBool("TLS_ENABLED", false)
	cfg.Server.TLS.CertFile = getEnv("TLS_CERT_FILE", "certs/cert.pem")
	cfg.Server.TLS.KeyFile = getEnv("TLS_KEY_FILE", "certs/key.pem")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if err := utils.ValidateStruct(c); err != nil {
		return err
	}

	// Without an issuer every endpoint needed for login must be explicit
	if c.OAuth2.IssuerURI == "" && !c.OAuth2.HasExplicitEndpoints() {
		return fmt.Errorf("oauth2 issuer URI is required unless authorization, token and jwk-set URIs are set")
	}

	if c.Session.Store == SessionStorePostgres {
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required for postgres session store: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" && c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.Session.Store == SessionStoreRedis && c.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is required for redis session store")
	}

	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session idle timeout must be positive")
	}

	return nil
}

// HasExplicitEndpoints reports whether discovery can be skipped
func (c *OAuth2Config) HasExplicitEndpoints() bool {
	return c.AuthorizationURI != "" && c.TokenURI != "" && c.JWKSetURI != ""
}

// RedirectURI returns the callback URL registered with the provider
func (c *Config) RedirectURI() string {
	return c.Server.ExternalURL + "/login/oauth2/code/" + c.OAuth2.RegistrationID
}

// SecureCookies returns true when the public URL is served over https
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.Server.ExternalURL, "https://")
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", ""),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "keycloak_login"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "sessions"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice splits a comma or space separated value, dropping empty entries
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.FieldsFunc(valueStr, func(r rune) bool {
		return r == ',' || r == ' '
	})
	if len(parts) == 0 {
		return defaultValue
	}
	return parts
}
