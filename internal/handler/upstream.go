package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"

	"admission-service/internal/util"
)

var errUpstreamUnavailable = errors.New("upstream unavailable")

// NewUpstream returns the handler admitted requests are passed to: a reverse
// proxy to target, or an echo handler when no target is configured.
func NewUpstream(target string, logger *zap.Logger) (http.Handler, error) {
	if target == "" {
		logger.Warn("No upstream configured, admitted requests are answered locally")
		return echoHandler(logger), nil
	}

	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", target)
	}

	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("Upstream request failed",
			util.String("method", r.Method),
			util.String("path", r.URL.Path),
			util.ErrorField(err),
		)
		respondWithJSON(w, logger, http.StatusBadGateway, errorResponse(errUpstreamUnavailable, "Upstream service unavailable"))
	}
	return proxy, nil
}

type echoPayload struct {
	Method   string `json:"method"`
	Path     string `json:"path"`
	ClientIP string `json:"client_ip"`
	Subject  string `json:"subject,omitempty"`
}

func echoHandler(logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, logger, http.StatusOK, successResponse(echoPayload{
			Method:   r.Method,
			Path:     r.URL.Path,
			ClientIP: ClientIPFrom(r.Context()),
			Subject:  SubjectFrom(r.Context()),
		}, "Request admitted"))
	})
}
