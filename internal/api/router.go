package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/iac-studio/portal/internal/api/handlers"
	mw "github.com/iac-studio/portal/internal/api/middleware"
	"github.com/iac-studio/portal/internal/metrics"
)

type Dependencies struct {
	HMACSecret []byte
	// CORSOrigins may contain "*".
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	Metrics        *metrics.Collector
	Registry       *prometheus.Registry

	HealthHandler      *handlers.HealthHandler
	AuthHandler        *handlers.AuthHandler
	TemplatesHandler   *handlers.TemplatesHandler
	OptionsHandler     *handlers.OptionsHandler
	DeploymentsHandler *handlers.DeploymentsHandler
	AccountsHandler    *handlers.AccountsHandler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.Metrics(dep.Metrics))
	r.Use(mw.CORS(dep.CORSOrigins))
	r.Use(mw.RateLimit(dep.RateLimitRPS, dep.RateLimitBurst, dep.Metrics))
	// text/event-stream is not in the compressible set, so log streams pass through.
	r.Use(chimid.Compress(5))

	r.Get("/healthz", dep.HealthHandler.Liveness)
	r.Get("/readyz", dep.HealthHandler.Readiness)
	if dep.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(dep.Registry, promhttp.HandlerOpts{}))
	}

	// Swagger documentation; the spec is registered by the docs package.
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/auth", func(ar chi.Router) {
			ar.Post("/register", dep.AuthHandler.Register)
			ar.Post("/login", dep.AuthHandler.Login)
		})

		api.Group(func(protected chi.Router) {
			protected.Use(mw.Auth(dep.HMACSecret))

			protected.Route("/templates", func(tr chi.Router) {
				tr.Get("/", dep.TemplatesHandler.List)
				tr.Get("/{provider}/{template}", dep.TemplatesHandler.Get)
				tr.Get("/{provider}/{template}/parameters", dep.TemplatesHandler.Parameters)
				tr.Get("/{provider}/{template}/options", dep.TemplatesHandler.Options)
			})

			protected.Get("/api/{provider}/{kind}", dep.OptionsHandler.Get)

			protected.Post("/deploy", dep.DeploymentsHandler.Deploy)
			protected.Route("/deployments", func(dr chi.Router) {
				dr.Get("/", dep.DeploymentsHandler.List)
				dr.Get("/tags", dep.DeploymentsHandler.Tags)
				dr.Get("/{id}", dep.DeploymentsHandler.Get)
				dr.Get("/{id}/status", dep.DeploymentsHandler.Get)
				dr.Get("/{id}/logs", dep.DeploymentsHandler.Logs)
				dr.Put("/{id}/tags", dep.DeploymentsHandler.UpdateTags)
				dr.Post("/{id}/cancel", dep.DeploymentsHandler.Cancel)
				dr.Delete("/{id}", dep.DeploymentsHandler.Delete)
				dr.Get("/{id}/state", dep.DeploymentsHandler.State)
			})
			protected.Get("/tasks/{taskId}/status", dep.DeploymentsHandler.TaskStatus)

			protected.Route("/cloud-accounts", func(cr chi.Router) {
				cr.Get("/", dep.AccountsHandler.List)
				cr.Post("/", dep.AccountsHandler.Create)
				cr.Get("/user/permissions", dep.AccountsHandler.UserPermissions)
				cr.Get("/{id}", dep.AccountsHandler.Get)
				cr.Put("/{id}", dep.AccountsHandler.Update)
				cr.Delete("/{id}", dep.AccountsHandler.Delete)
				cr.Get("/{id}/permissions", dep.AccountsHandler.ListPermissions)
				cr.Post("/{id}/permissions", dep.AccountsHandler.AssignPermission)
				cr.Put("/{id}/permissions/{email}", dep.AccountsHandler.UpdatePermission)
				cr.Delete("/{id}/permissions/{email}", dep.AccountsHandler.RevokePermission)
			})

			protected.With(mw.RequireAdmin).Put("/users/{email}/role", dep.AuthHandler.SetRole)
		})
	})

	return r
}
