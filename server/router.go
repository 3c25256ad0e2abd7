package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the login, account and operator endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger, a.Metrics))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.With(a.Limiter.Middleware).Post("/id4me/login", a.handleLogin)
	r.Get(a.Config.Site.CallbackPath, a.handleAuthorize)

	r.Get("/api/session", a.handleSession)
	r.Route("/api/account/links", func(r chi.Router) {
		r.Get("/", a.handleListLinks)
		r.Delete("/", a.handleUnlink)
		r.Delete("/{issuer}", a.handleUnlink)
	})

	r.Post("/logout", a.handleLogout)
	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	return r
}
