package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"admission-service/internal/admission"
	"admission-service/internal/events"
	"admission-service/internal/hashing"
	redisrepo "admission-service/internal/repository/redis"
)

const maxStatsDays = 90

// BanRequest bans an IP. Duration is in minutes; zero means a permanent ban.
type BanRequest struct {
	IP       string `json:"ip" validate:"required,ip"`
	Reason   string `json:"reason" validate:"max=500"`
	Duration int    `json:"duration" validate:"gte=0,lte=525600"`
}

type WhitelistRequest struct {
	IP string `json:"ip" validate:"required,ip"`
}

// RevokeRequest denies a credential until it would have expired anyway. Either
// the raw token or its hash is given, and either an absolute expiry or a TTL.
type RevokeRequest struct {
	Token      string     `json:"token,omitempty" validate:"required_without=TokenHash"`
	TokenHash  string     `json:"token_hash,omitempty" validate:"omitempty,len=64,hexadecimal"`
	SubjectID  string     `json:"subject_id" validate:"max=256"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	TTLSeconds int64      `json:"ttl_seconds,omitempty" validate:"gte=0"`
}

type RevokeResult struct {
	TokenHash string        `json:"token_hash"`
	Revoked   bool          `json:"revoked"`
	TTL       time.Duration `json:"-"`
}

// StatsReport is the dashboard view of the gateway.
type StatsReport struct {
	TodayTotal int64                      `json:"today_total"`
	Days       []redisrepo.DayTotal       `json:"days"`
	TodayByKey []redisrepo.KeyCount       `json:"today_by_key"`
	Reputation redisrepo.ReputationCounts `json:"reputation"`
	Revoked    int64                      `json:"revoked"`
}

// AdminService backs the operator surface: reputation lists, revocations,
// denial statistics and window resets.
type AdminService struct {
	limiter     RateLimiter
	reputation  *redisrepo.ReputationStore
	revocations *redisrepo.RevocationStore
	recorder    *redisrepo.EventRecorder
	publisher   events.Publisher
	hasher      *hashing.Hasher
	validate    *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
}

func NewAdminService(
	limiter RateLimiter,
	reputation *redisrepo.ReputationStore,
	revocations *redisrepo.RevocationStore,
	recorder *redisrepo.EventRecorder,
	publisher events.Publisher,
	hasher *hashing.Hasher,
	validate *validator.Validate,
	logger *zap.Logger,
) *AdminService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if validate == nil {
		validate = validator.New()
	}
	return &AdminService{
		limiter:     limiter,
		reputation:  reputation,
		revocations: revocations,
		recorder:    recorder,
		publisher:   publisher,
		hasher:      hasher,
		validate:    validate,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *AdminService) Stats(ctx context.Context, days int) (*StatsReport, error) {
	if days > maxStatsDays {
		return nil, fmt.Errorf("%w: days must not exceed %d", admission.ErrInvalidInput, maxStatsDays)
	}

	daily, err := s.recorder.DailyStats(ctx, days)
	if err != nil {
		return nil, err
	}
	counts, err := s.reputation.Counts(ctx)
	if err != nil {
		return nil, err
	}
	revoked, err := s.revocations.RevokedCount(ctx)
	if err != nil {
		return nil, err
	}

	report := &StatsReport{
		Days:       daily.Days,
		TodayByKey: daily.Today,
		Reputation: counts,
		Revoked:    revoked,
	}
	if n := len(daily.Days); n > 0 {
		report.TodayTotal = daily.Days[n-1].Total
	}
	return report, nil
}

func (s *AdminService) RecentEvents(ctx context.Context, limit int64) ([]redisrepo.DenialEvent, error) {
	return s.recorder.RecentEvents(ctx, limit)
}

func (s *AdminService) Bans(ctx context.Context) ([]redisrepo.BanEntry, error) {
	return s.reputation.Bans(ctx)
}

// Ban applies a permanent or temporary ban. It reports whether anything
// changed; temporary bans always restart their duration.
func (s *AdminService) Ban(ctx context.Context, req BanRequest) (bool, error) {
	if err := s.validateRequest(req); err != nil {
		return false, err
	}
	ip, err := redisrepo.CanonicalIP(req.IP)
	if err != nil {
		return false, err
	}

	if req.Duration > 0 {
		duration := time.Duration(req.Duration) * time.Minute
		if err := s.reputation.BanTemporary(ctx, ip, duration, req.Reason); err != nil {
			return false, err
		}
		s.publishReputation(ctx, ip, redisrepo.ActionBanTemporary, req.Reason, duration)
		return true, nil
	}

	added, err := s.reputation.Ban(ctx, ip, req.Reason)
	if err != nil {
		return false, err
	}
	if added {
		s.publishReputation(ctx, ip, redisrepo.ActionBan, req.Reason, 0)
	}
	return added, nil
}

func (s *AdminService) Unban(ctx context.Context, ip string) (bool, error) {
	ip, err := redisrepo.CanonicalIP(ip)
	if err != nil {
		return false, err
	}
	removed, err := s.reputation.Unban(ctx, ip)
	if err != nil {
		return false, err
	}
	if removed {
		s.publishReputation(ctx, ip, redisrepo.ActionUnban, "", 0)
	}
	return removed, nil
}

func (s *AdminService) Whitelist(ctx context.Context) ([]string, error) {
	return s.reputation.Allowed(ctx)
}

func (s *AdminService) Allow(ctx context.Context, req WhitelistRequest) (bool, error) {
	if err := s.validateRequest(req); err != nil {
		return false, err
	}
	ip, err := redisrepo.CanonicalIP(req.IP)
	if err != nil {
		return false, err
	}
	added, err := s.reputation.Allow(ctx, ip)
	if err != nil {
		return false, err
	}
	if added {
		s.publishReputation(ctx, ip, redisrepo.ActionAllow, "", 0)
	}
	return added, nil
}

func (s *AdminService) Disallow(ctx context.Context, ip string) (bool, error) {
	ip, err := redisrepo.CanonicalIP(ip)
	if err != nil {
		return false, err
	}
	removed, err := s.reputation.Disallow(ctx, ip)
	if err != nil {
		return false, err
	}
	if removed {
		s.publishReputation(ctx, ip, redisrepo.ActionDisallow, "", 0)
	}
	return removed, nil
}

func (s *AdminService) AuditLog(ctx context.Context, limit int64) ([]redisrepo.AuditEntry, error) {
	return s.reputation.AuditLog(ctx, limit)
}

// Revoke stores the hash of the credential for its remaining lifetime. An
// already expired credential is accepted but stores nothing.
func (s *AdminService) Revoke(ctx context.Context, req RevokeRequest) (*RevokeResult, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	var ttl time.Duration
	switch {
	case req.ExpiresAt != nil:
		ttl = req.ExpiresAt.Sub(s.now())
	case req.TTLSeconds > 0:
		ttl = time.Duration(req.TTLSeconds) * time.Second
	default:
		return nil, fmt.Errorf("%w: expires_at or ttl_seconds is required", admission.ErrInvalidInput)
	}

	tokenHash := req.TokenHash
	if req.Token != "" {
		tokenHash = s.hasher.HashToken(req.Token)
	}
	tokenHash, err := hashing.NormalizeHash(tokenHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", admission.ErrInvalidInput, err)
	}

	revoked, err := s.revocations.Revoke(ctx, tokenHash, req.SubjectID, ttl)
	if err != nil {
		return nil, err
	}
	return &RevokeResult{TokenHash: tokenHash, Revoked: revoked, TTL: max(ttl, 0)}, nil
}

func (s *AdminService) Restore(ctx context.Context, tokenHash string) (bool, error) {
	tokenHash, err := hashing.NormalizeHash(tokenHash)
	if err != nil {
		return false, fmt.Errorf("%w: %v", admission.ErrInvalidInput, err)
	}
	return s.revocations.Restore(ctx, tokenHash)
}

func (s *AdminService) RevokedCount(ctx context.Context) (int64, error) {
	return s.revocations.RevokedCount(ctx)
}

// ResetWindow clears one rate limit window, e.g. after a false positive.
func (s *AdminService) ResetWindow(ctx context.Context, key string) (bool, error) {
	if !strings.HasPrefix(key, "ratelimit:") {
		return false, fmt.Errorf("%w: %q is not a rate limit key", admission.ErrInvalidInput, key)
	}
	return s.limiter.Reset(ctx, key)
}

func (s *AdminService) validateRequest(req interface{}) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", admission.ErrInvalidInput, err)
	}
	return nil
}

func (s *AdminService) publishReputation(ctx context.Context, ip string, action redisrepo.AuditAction, reason string, duration time.Duration) {
	msg := events.Message{
		ID:              uuid.NewString(),
		Type:            events.TypeReputation,
		OccurredAt:      s.now().UTC(),
		IP:              ip,
		Action:          string(action),
		Reason:          reason,
		DurationSeconds: int64(duration.Seconds()),
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.logger.Debug("Reputation event not published", zap.String("ip", ip), zap.Error(err))
	}
}
