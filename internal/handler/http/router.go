package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iotyro/cartsync/internal/auth"
	"github.com/iotyro/cartsync/internal/projection"
	cartsync "github.com/iotyro/cartsync/internal/sync"
	"github.com/iotyro/cartsync/pkg/health"
	"github.com/iotyro/cartsync/pkg/middleware"
)

// NewRouter creates a chi router with all cart sync routes registered.
func NewRouter(
	engine *cartsync.Engine,
	views *projection.Projection,
	verifier *auth.Verifier,
	healthHandler *health.Handler,
	environment string,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("cartsync"))
	r.Use(middleware.Tracing("cartsync"))
	r.Use(middleware.RequestLogger(logger))

	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.Environment = environment
	r.Use(middleware.CORS(corsCfg))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	cartHandler := NewCartHandler(engine, views, logger)

	r.Route("/api/v1/cart", func(r chi.Router) {
		r.Use(ResolvePrincipal(verifier, logger))

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(30 * time.Second))
			r.Use(ContentTypeJSON)

			r.Get("/", cartHandler.GetCart)
			r.Delete("/", cartHandler.ClearCart)
			r.Post("/merge", cartHandler.MergeCart)

			r.Post("/items", cartHandler.AddItem)
			r.Put("/items/{productID}", cartHandler.UpdateItemQuantity)
			r.Delete("/items/{productID}", cartHandler.RemoveItem)
		})

		// The watch stream is long-lived, so it stays outside the timeout.
		r.Get("/watch", cartHandler.WatchCart)
	})

	return r
}
