package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"meshforge/internal/http/handlers"
	"meshforge/internal/middleware"
)

// Options carries the surface-level knobs for the router.
type Options struct {
	Logger          zerolog.Logger
	RateLimitPerMin int
	CORSOrigins     []string
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimiddleware.RealIP,
		chimiddleware.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
	)

	r.Get("/v1/healthz", app.Health)

	r.Group(func(r chi.Router) {
		if opts.RateLimitPerMin > 0 {
			r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
		}
		r.Post("/v1/models/generate", app.GenerateModel)
		r.Get("/v1/models", app.CachedModels)
		r.Get("/v1/credits", app.Wallets)
		r.Route("/v1/jobs/{job_id}", func(r chi.Router) {
			r.Get("/", app.JobStatus)
			r.Get("/artifact", app.JobArtifact)
			r.Delete("/", app.JobCancel)
		})
	})

	return r
}
