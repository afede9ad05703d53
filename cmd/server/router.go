package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/spin-api/internal/api"
	apiMiddleware "github.com/phrazzld/spin-api/internal/api/middleware"
)

// setupRouter wires the HTTP surface onto the application's components.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.Trace(app.logger))
	r.Use(apiMiddleware.Session)
	if app.jwtService != nil {
		r.Use(apiMiddleware.NewAuthMiddleware(app.jwtService).Authenticate)
	}

	activityHandler := api.NewActivityHandler(app.tracker, app.emitter)
	jobHandler := api.NewJobHandler(app.scorer, app.tasks, app.backend.broker, app.registry.Types())
	queueHandler := api.NewQueueHandler(app.monitor, app.tasks, app.scorer.Threshold())

	r.Route("/api", func(r chi.Router) {
		r.Post("/activity", activityHandler.RecordActivity)

		r.Post("/jobs", jobHandler.EnqueueJob)
		r.Get("/jobs/{id}", jobHandler.GetJob)

		r.Get("/queue/status", queueHandler.Status)
		r.Get("/queue/metrics", queueHandler.Metrics)
		r.Post("/queue/check", queueHandler.Check)
	})

	r.Get("/health", queueHandler.Health)

	return r
}
