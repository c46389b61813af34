package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/http/handlers"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/infra"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/middleware"
)

// Options tunes the router. Zero values disable rate limiting and CORS and
// leave request bodies unbounded.
type Options struct {
	Logger             zerolog.Logger
	RateLimitPerMin    int
	CORSAllowedOrigins []string
	MaxRequestBytes    int64
}

// OptionsFromConfig maps the process configuration onto router options.
func OptionsFromConfig(cfg *infra.Config, logger zerolog.Logger) Options {
	return Options{
		Logger:             logger,
		RateLimitPerMin:    cfg.RateLimitPerMin,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MaxRequestBytes:    cfg.MaxRequestBytes,
	}
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		middleware.Logger(opts.Logger),
		chimw.Recoverer,
		middleware.CORS(opts.CORSAllowedOrigins),
	)

	r.Get("/health", app.Health)
	r.Get("/stats", app.Stats)
	r.Get("/status/{job_id}", app.Status)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
		if opts.MaxRequestBytes > 0 {
			r.Use(chimw.RequestSize(opts.MaxRequestBytes))
		}
		r.Post("/run", app.Run)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/cleanup", app.Cleanup)
		r.Post("/reset-stuck", app.ResetStuck)
		r.Delete("/job/{job_id}", app.DeleteJob)
	})

	return r
}
