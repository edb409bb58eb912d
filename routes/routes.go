package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sw/keycloak-login/app"
	"github.com/sw/keycloak-login/handlers"
	"github.com/sw/keycloak-login/middleware"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Login flow runs ahead of the access rules
	r.Use(deps.AuthHandler.Filter)
	r.Use(deps.Security.Authorize)

	health := handlers.NewHealthHandler(deps.SessionStore, deps.Logger)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	example := handlers.NewExampleHandler(deps.AuthClient.RegistrationID(), deps.AuthClient.ProviderName(), deps.Logger)
	r.Get("/", example.HandleIndex)
	r.Get("/home", example.HandleHome)
	r.Get("/me", example.HandleMe)
	r.Get("/login/oauth2/code/{id}", example.HandleLoginCode)

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	return r
}
