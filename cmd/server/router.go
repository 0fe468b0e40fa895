package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vanch007/siliconflow-i2v/internal/api"
	apiMiddleware "github.com/vanch007/siliconflow-i2v/internal/api/middleware"
)

// setupRouter creates and configures the application router with all routes
// and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware)

	taskHandler := api.NewTaskHandler(app.taskService, app.logger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/check_api_key", taskHandler.CheckAPIKey)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", taskHandler.Create)
			r.Get("/", taskHandler.List)
			r.Post("/check_all", taskHandler.CheckAllVideos)
			r.Post("/merge", taskHandler.Merge)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", taskHandler.Get)
				r.Delete("/", taskHandler.Delete)
				r.Post("/check", taskHandler.CheckVideo)
				r.Post("/regenerate", taskHandler.Regenerate)
				r.Post("/regenerate_from_last_frame", taskHandler.RegenerateFromLastFrame)
			})
		})
	})

	// Stored images and generated videos are served straight from disk.
	fileServer(r, "/uploads", app.config.Video.UploadDir)
	fileServer(r, "/videos", app.config.Video.OutputDir)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("Failed to write health check response", "error", err)
		}
	})

	return r
}

// fileServer mounts a directory under a URL prefix with listing disabled.
func fileServer(r chi.Router, prefix, dir string) {
	fs := http.StripPrefix(prefix, http.FileServer(http.Dir(dir)))
	r.Get(prefix+"/*", func(w http.ResponseWriter, req *http.Request) {
		fs.ServeHTTP(w, req)
	})
}
