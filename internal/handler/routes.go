package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"admission-service/internal/admission"
)

// Rate limit policies of the protected API.
var (
	LoginPolicy = admission.Policy{
		MaxRequests: 5,
		Window:      time.Minute,
		Dimension:   admission.DimensionIP,
		KeyPrefix:   "login",
		Message:     "Too many login attempts, please try again in a minute",
	}
	RegisterPolicy = admission.Policy{
		MaxRequests: 3,
		Window:      time.Minute,
		Dimension:   admission.DimensionIP,
		KeyPrefix:   "register",
		Message:     "Too many registration attempts, please try again later",
	}
	ArticlesPolicy = admission.Policy{
		MaxRequests: 60,
		Window:      time.Minute,
		Dimension:   admission.DimensionIPAndEndpoint,
	}
	SearchPolicy = admission.Policy{
		MaxRequests: 30,
		Window:      time.Minute,
		Dimension:   admission.DimensionIPAndEndpoint,
		KeyPrefix:   "search",
		Message:     "Searching too often, please slow down",
	}
	CommentPolicy = admission.Policy{
		MaxRequests: 10,
		Window:      time.Minute,
		Dimension:   admission.DimensionIdentity,
		Message:     "Commenting too often, please try again later",
	}
	DefaultPolicy = admission.Policy{
		MaxRequests: 30,
		Window:      time.Minute,
		Dimension:   admission.DimensionIP,
	}
)

// RegisterAPIRoutes mounts the protected API. Every route runs the IP gate,
// then the credential gate, then its own rate limit, in that order.
func RegisterAPIRoutes(router chi.Router, gates *Gates, upstream http.Handler) {
	router.Route("/api", func(r chi.Router) {
		r.Use(gates.ClientIP)
		r.Use(gates.IPGate)
		r.Use(gates.CredentialGate)

		r.With(gates.RateLimit(LoginPolicy)).Post("/auth/login", upstream.ServeHTTP)
		r.With(gates.RateLimit(RegisterPolicy)).Post("/auth/register", upstream.ServeHTTP)

		r.With(gates.RateLimit(ArticlesPolicy)).Get("/articles", upstream.ServeHTTP)
		r.With(gates.RateLimit(SearchPolicy)).Get("/articles/search", upstream.ServeHTTP)
		r.With(gates.RateLimit(ArticlesPolicy)).Get("/articles/{id}", upstream.ServeHTTP)

		r.With(gates.RateLimit(CommentPolicy)).Post("/comments", upstream.ServeHTTP)

		r.With(gates.RateLimit(DefaultPolicy)).Handle("/*", upstream)
	})
}
