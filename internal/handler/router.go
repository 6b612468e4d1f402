package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"admission-service/internal/metrics"
	"admission-service/internal/util"
)

const readinessTimeout = 2 * time.Second

// ReadinessChecker reports whether the gateway's required dependencies are up,
// along with every failing check.
type ReadinessChecker interface {
	Readiness(ctx context.Context) (bool, map[string]error)
}

// RouterOptions are the deployment specific router settings.
type RouterOptions struct {
	AllowedOrigins []string
	MetricsPath    string
	RequestTimeout time.Duration
	Readiness      ReadinessChecker
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(gates *Gates, adminHandler *AdminHandler, upstream http.Handler, m *metrics.Metrics, opts RouterOptions, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"https://*"}
	}

	// Middleware stack. Client IP resolution is done by the gates, which know
	// whether proxy headers can be trusted.
	router.Use(middleware.RequestID)
	router.Use(LoggerMiddleware(logger))
	if m != nil {
		router.Use(MetricsMiddleware(m))
	}
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(opts.RequestTimeout))

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		util.Debug("Health check requested")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"admission-service"}`))
	})

	if opts.Readiness != nil {
		router.Get("/ready", readinessHandler(opts.Readiness, logger))
	}

	if m != nil && opts.MetricsPath != "" {
		router.Handle(opts.MetricsPath, m.Handler())
	}

	RegisterAPIRoutes(router, gates, upstream)

	if adminHandler != nil {
		router.Route("/admin/v1", func(r chi.Router) {
			adminHandler.RegisterRoutes(r)
		})
	}

	// 404 handler
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":"endpoint not found"}`))
	})

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"success":false,"error":"method not allowed"}`))
	})

	return router
}

// readinessHandler answers 503 while a required dependency is down. Failing
// optional dependencies are listed but keep the status at 200.
func readinessHandler(checker ReadinessChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		ready, failures := checker.Readiness(ctx)
		checks := make(map[string]string, len(failures))
		for name, err := range failures {
			checks[name] = err.Error()
		}

		status, statusCode := "ready", http.StatusOK
		if !ready {
			status, statusCode = "unavailable", http.StatusServiceUnavailable
			logger.Warn("Readiness check failed", zap.Any("checks", checks))
		}
		respondWithJSON(w, logger, statusCode, map[string]interface{}{
			"status":  status,
			"service": "admission-service",
			"checks":  checks,
		})
	}
}
