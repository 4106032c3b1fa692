package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/swaggest/swgui/v5emb"
)

func addRoutes(r chi.Router, deps Deps) {
	r.Get("/openapi.json", handleOpenAPI())
	r.Mount("/docs", v5emb.New("Arena API", "/openapi.json", "/docs"))
	r.Get("/healthz", handleHealth(deps.Logger, deps.Checkers))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))

	r.Get("/ws/sessions/{id}", handleSessionSocket(deps))

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", handleCreateSession(deps))
		r.Get("/{id}", handleGetSession(deps))
		r.Post("/{id}/join", handleJoinSession(deps))
		r.Post("/{id}/actions", handleSessionAction(deps))
		r.Get("/{id}/analyses", handleSessionAnalyses(deps))
	})

	r.Get("/api/players/{playerID}/notifications", handlePlayerNotifications(deps))
	r.Post("/api/notifications/{id}/read", handleNotificationRead(deps))

	if deps.OpsPasswordHash != "" {
		ops := newOpsSessions()
		r.Route("/api/ops", func(r chi.Router) {
			r.Post("/login", handleOpsLogin(deps, ops))
			r.Post("/logout", handleOpsLogout(ops))
			r.Group(func(r chi.Router) {
				r.Use(opsAuthMiddleware(ops))
				r.Get("/sessions", handleOpsListSessions(deps))
				r.Post("/sessions/{id}/cancel", handleOpsCancelSession(deps))
			})
		})
	}
}
