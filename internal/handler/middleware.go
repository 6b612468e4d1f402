package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"admission-service/internal/admission"
	"admission-service/internal/config"
	"admission-service/internal/metrics"
	"admission-service/internal/util"
)

type contextKey int

const (
	clientIPKey contextKey = iota
	subjectKey
)

// ClientIPFrom returns the client IP resolved by Gates.ClientIP.
func ClientIPFrom(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// SubjectFrom returns the authenticated subject forwarded by a trusted proxy.
func SubjectFrom(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey).(string)
	return subject
}

// Gatekeeper decides admission for one request.
type Gatekeeper interface {
	CheckIP(ctx context.Context, ip string) error
	CheckCredential(ctx context.Context, token string) error
	CheckRate(ctx context.Context, p admission.Policy, id admission.RequestIdentity) (admission.Decision, error)
}

// Gates turns a Gatekeeper into chi middleware. Each gate either passes the
// request on or writes a rejection; no gate ever answers with a 500.
type Gates struct {
	keeper        Gatekeeper
	trustProxy    bool
	subjectHeader string
	logger        *zap.Logger
}

func NewGates(keeper Gatekeeper, cfg config.AdmissionConfig, logger *zap.Logger) *Gates {
	return &Gates{
		keeper:        keeper,
		trustProxy:    cfg.TrustProxyHeaders,
		subjectHeader: cfg.SubjectHeader,
		logger:        logger,
	}
}

// ClientIP resolves the caller once and stores it in the request context.
// The subject header is only honoured alongside a bearer credential; anonymous
// callers are always counted by IP.
func (g *Gates) ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey, util.ClientIP(r, g.trustProxy))
		if g.trustProxy && g.subjectHeader != "" && bearerToken(r) != "" {
			if subject := strings.TrimSpace(r.Header.Get(g.subjectHeader)); subject != "" {
				ctx = context.WithValue(ctx, subjectKey, subject)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IPGate rejects banned IPs before any other work is done.
func (g *Gates) IPGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.deny(w, r, g.keeper.CheckIP(r.Context(), g.clientIP(r))) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CredentialGate rejects revoked bearer tokens. Requests without one pass.
func (g *Gates) CredentialGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.deny(w, r, g.keeper.CheckCredential(r.Context(), bearerToken(r))) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit enforces p on the route it is attached to. It must be attached
// with chi's With or inside a Route so the route pattern is already known.
func (g *Gates) RateLimit(p admission.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := admission.RequestIdentity{
				IP:       g.clientIP(r),
				Subject:  SubjectFrom(r.Context()),
				Endpoint: admission.EndpointSignature(r.Method, routePattern(r), r.URL.Path),
			}

			d, err := g.keeper.CheckRate(r.Context(), p, id)
			setRateLimitHeaders(w, d)
			if rej, ok := admission.AsRejection(err); ok && rej.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(rej.RetryAfter), 10))
			}
			if g.deny(w, r, err) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Gates) clientIP(r *http.Request) string {
	if ip := ClientIPFrom(r.Context()); ip != "" {
		return ip
	}
	return util.ClientIP(r, g.trustProxy)
}

// deny writes the rejection carried by err and reports whether it did. Any
// other error is a fault inside a gate; it is logged and the request admitted.
func (g *Gates) deny(w http.ResponseWriter, r *http.Request, err error) bool {
	if err == nil {
		return false
	}
	rej, ok := admission.AsRejection(err)
	if !ok {
		g.logger.Error("Gate returned a non-rejection error, admitting request", util.ErrorField(err))
		return false
	}
	g.logger.Debug("Request rejected",
		util.String("method", r.Method),
		util.String("path", r.URL.Path),
		util.String("ip", ClientIPFrom(r.Context())),
		util.Int("status", rej.Status),
		util.Int("code", rej.Code),
	)
	respondWithRejection(w, g.logger, rej)
	return true
}

func setRateLimitHeaders(w http.ResponseWriter, d admission.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetSeconds(), 10))
}

func retryAfterSeconds(d time.Duration) int64 {
	return max(int64(math.Ceil(d.Seconds())), 1)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// MetricsMiddleware counts requests by method and status class.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status/100)+"xx").Inc()
		})
	}
}
