package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"admission-service/internal/service"
	"admission-service/internal/util"
)

const maxListLimit = 1000

var (
	errUnauthorized = errors.New("unauthorized")
	errInvalidLimit = errors.New("invalid limit")
)

type changeResult struct {
	IP      string `json:"ip"`
	Changed bool   `json:"changed"`
}

// AdminHandler handles HTTP requests for the operator API
type AdminHandler struct {
	adminService *service.AdminService
	token        []byte
	logger       *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(adminService *service.AdminService, token string, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		adminService: adminService,
		token:        []byte(token),
		logger:       logger,
	}
}

// RegisterRoutes registers all admin routes
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Use(h.requireToken)

	router.Get("/stats", h.GetStats)
	router.Get("/events", h.GetEvents)

	router.Route("/blacklist", func(r chi.Router) {
		r.Get("/", h.ListBans)
		r.Post("/", h.Ban)
		r.Get("/log", h.GetAuditLog)
		r.Delete("/{ip}", h.Unban)
	})

	router.Route("/whitelist", func(r chi.Router) {
		r.Get("/", h.ListWhitelist)
		r.Post("/", h.AddToWhitelist)
		r.Delete("/{ip}", h.RemoveFromWhitelist)
	})

	router.Route("/revocations", func(r chi.Router) {
		r.Post("/", h.Revoke)
		r.Get("/count", h.RevokedCount)
		r.Delete("/{hash}", h.Restore)
	})

	router.Delete("/ratelimit", h.ResetWindow)
}

// requireToken admits requests carrying the configured admin bearer token.
// An empty token disables the admin API.
func (h *AdminHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := []byte(bearerToken(r))
		if len(h.token) == 0 || subtle.ConstantTimeCompare(token, h.token) != 1 {
			respondWithError(w, h.logger, http.StatusUnauthorized, errUnauthorized, "Valid admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetStats handles denial statistics
// @Summary Get admission statistics
// @Description Today's denial total, the daily series, today's per-key breakdown and list sizes
// @Tags admin
// @Produce json
// @Param days query int false "Days in the series (default: 7, max: 90)"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 503 {object} Response
// @Router /admin/v1/stats [get]
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondWithError(w, h.logger, http.StatusBadRequest, errors.New("invalid days"), "Days must be a positive number")
			return
		}
		days = n
	}

	report, err := h.adminService.Stats(r.Context(), days)
	if err != nil {
		respondWithError(w, h.logger, statusCode(err), err, "Failed to get statistics")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(report, "Statistics retrieved successfully"))
}

// GetEvents handles recent denial events
// @Summary Get recent denials
// @Tags admin
// @Produce json
// @Param limit query int false "Number of events (default: 50, max: 1000)"
// @Success 200 {object} Response
// @Router /admin/v1/events [get]
func (h *AdminHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.parseLimit(w, r)
	if !ok {
		return
	}

	events, err := h.adminService.RecentEvents(r.Context(), limit)
	if err != nil {
		respondWithError(w, h.logger, statusCode(err), err, "Failed to get events")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(events, "Events retrieved successfully"))
}

func (h *AdminHandler) ListBans(w http.ResponseWriter, r *http.Request) {
	bans, err := h.adminService.Bans(r.Context())
	if err != nil {
		respondWithError(w, h.logger, statusCode(err), err, "Failed to list bans")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(bans, "Bans retrieved successfully"))
}

// Ban handles permanent and temporary bans
// @Summary Ban an IP
// @Description A positive duration (minutes) creates a temporary ban
// @Tags admin
// @Accept json
// @Produce json
// @Param request body service.BanRequest true "Ban request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /admin/v1/blacklist [post]
func (h *AdminHandler) Ban(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req service.BanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	changed, err := h.adminService.Ban(r.Context(), req)
	if err != nil {
		respondWithError(w, h.logger, statusCode(err), err, "Failed to ban IP")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(changeResult{IP: req.IP, Changed: changed}, "IP banned successfully"))
	h.logger.Warn("IP banned via HTTP",
		util.String("ip", req.IP),
		util.String("reason", req.Reason),
		util.Int("duration_minutes", req.Duration),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Ban"),
	)
}

func (h *AdminHandler) Unban(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")

	changed, err := h.adminService.Unban(r.Context(), ip)
	if err != nil {
		respondWithError(w, h.logger, statusCode(err), err, "Failed to unban IP")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(changeResult{IP: ip, Changed: changed}, "IP unbanned successfully"))
	h.logger.Info("IP unbanned via HTTP", util.String("ip", ip), util.Bool("changed", changed))
}

func (h *AdminHandler) GetAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.parseLimit(w, r)
	if !ok {
		return
	}

	entries, err := h.adminService.AuditLog(r.Context(), limit)
	if err != nil {
		respondWithError(w, h.logger, statusCode(err), err, "Failed to get audit log")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(entries, "Audit log retrieved successfully"))
}

func (h *AdminHandler) ListWhitelist(w http.ResponseWriter, r *http.Request) {
	ips, err := h.adminService.Whitelist(r.Context())
	if err != nil {
		respondWithError(w, h.logger, statusCode(err), err, "Failed to list whitelist")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(ips, "Whitelist retrieved successfully"))
}

func (h *AdminHandler) AddToWhitelist(w http.ResponseWriter, r *http.Request) {
	var req service.WhitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	changed, err := h.adminService.Allow(r.Context(), req)
	if err != nil {
		respondWithError(w, h.logger, statusCode(err), err, "Failed to whitelist IP")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(changeResult{IP: req.IP, Changed: changed}, "IP whitelisted successfully"))
	h.logger.Info("IP whitelisted via HTTP", util.String("ip", req.IP), util.Bool("changed", changed))
}

func (h *AdminHandler) RemoveFromWhitelist(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")

	changed, err := h.adminService.Disallow(r.Context(), ip)
	if err != nil {
		respondWithError(w, h.logger, statusCode(err), err, "Failed to remove IP from whitelist")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(changeResult{IP: ip, Changed: changed}, "IP removed from whitelist"))
}

// Revoke handles credential revocation
// @Summary Revoke a credential
// @Description Accepts the raw token or its hash, and expires_at or ttl_seconds
// @Tags admin
// @Accept json
// @Produce json
// @Param request body service.RevokeRequest true "Revocation request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /admin/v1/revocations [post]
func (h *AdminHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req service.RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.adminService.Revoke(r.Context(), req)
	if err != nil {
		respondWithError(w, h.logger, statusCode(err), err, "Failed to revoke credential")
		return
	}

	message := "Credential revoked successfully"
	if !result.Revoked {
		message = "Credential already expired, nothing to revoke"
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(result, message))
}

func (h *AdminHandler) Restore(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	restored, err := h.adminService.Restore(r.Context(), hash)
	if err != nil {
		respondWithError(w, h.logger, statusCode(err), err, "Failed to restore credential")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(map[string]bool{"restored": restored}, "Credential restored"))
}

func (h *AdminHandler) RevokedCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.adminService.RevokedCount(r.Context())
	if err != nil {
		respondWithError(w, h.logger, statusCode(err), err, "Failed to count revocations")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(map[string]int64{"count": n}, "Revocations counted"))
}

// ResetWindow handles rate limit window resets
// @Summary Reset a rate limit window
// @Tags admin
// @Produce json
// @Param key query string true "Rate limit key, e.g. ratelimit:ip:1.2.3.4:login"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /admin/v1/ratelimit [delete]
func (h *AdminHandler) ResetWindow(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")

	existed, err := h.adminService.ResetWindow(r.Context(), key)
	if err != nil {
		respondWithError(w, h.logger, statusCode(err), err, "Failed to reset rate limit window")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(map[string]interface{}{"key": key, "existed": existed}, "Rate limit window reset"))
}

// parseLimit reads the optional limit query parameter; 0 means the store default.
func (h *AdminHandler) parseLimit(w http.ResponseWriter, r *http.Request) (int64, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 || n > maxListLimit {
		respondWithError(w, h.logger, http.StatusBadRequest, errInvalidLimit, "Limit must be between 1 and 1000")
		return 0, false
	}
	return n, true
}
