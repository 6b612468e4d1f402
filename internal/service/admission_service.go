package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"admission-service/internal/admission"
	"admission-service/internal/config"
	"admission-service/internal/events"
	"admission-service/internal/hashing"
	"admission-service/internal/metrics"
	redisrepo "admission-service/internal/repository/redis"
)

const escalationBanReason = "automatic: repeated rate limit violations"

// RateLimiter counts requests in a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, p admission.Policy) (admission.Decision, error)
	Reset(ctx context.Context, key string) (bool, error)
}

type ReputationChecker interface {
	IsBlocked(ctx context.Context, ip string) (bool, error)
	BanTemporary(ctx context.Context, ip string, duration time.Duration, reason string) error
}

type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenHash string) (bool, error)
}

type DenialRecorder interface {
	RecordDenial(ctx context.Context, key, ip string) (redisrepo.DenialEvent, error)
}

// AdmissionService runs the three request gates. Every gate fails open: a
// store error is logged and counted but the request is admitted.
type AdmissionService struct {
	limiter     RateLimiter
	reputation  ReputationChecker
	revocations RevocationChecker
	recorder    DenialRecorder
	publisher   events.Publisher
	hasher      *hashing.Hasher
	metrics     *metrics.Metrics
	escalation  config.EscalationConfig
	logger      *zap.Logger
}

func NewAdmissionService(
	limiter RateLimiter,
	reputation ReputationChecker,
	revocations RevocationChecker,
	recorder DenialRecorder,
	publisher events.Publisher,
	hasher *hashing.Hasher,
	m *metrics.Metrics,
	escalation config.EscalationConfig,
	logger *zap.Logger,
) *AdmissionService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &AdmissionService{
		limiter:     limiter,
		reputation:  reputation,
		revocations: revocations,
		recorder:    recorder,
		publisher:   publisher,
		hasher:      hasher,
		metrics:     m,
		escalation:  escalation,
		logger:      logger,
	}
}

// CheckIP rejects requests from blacklisted or temporarily banned IPs.
func (s *AdmissionService) CheckIP(ctx context.Context, ip string) error {
	started := time.Now()

	blocked, err := s.reputation.IsBlocked(ctx, ip)
	if err != nil {
		s.degraded(metrics.GateIP, started, err, zap.String("ip", ip))
		return nil
	}
	if blocked {
		s.metrics.ObserveCheck(metrics.GateIP, metrics.ResultDeny, started)
		s.logger.Warn("Request from blocked IP rejected", zap.String("ip", ip))
		return admission.IPBlocked()
	}

	s.metrics.ObserveCheck(metrics.GateIP, metrics.ResultAdmit, started)
	return nil
}

// CheckCredential rejects revoked bearer tokens. Requests without a token pass;
// authentication itself happens downstream.
func (s *AdmissionService) CheckCredential(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	started := time.Now()

	revoked, err := s.revocations.IsRevoked(ctx, s.hasher.HashToken(token))
	if err != nil {
		s.degraded(metrics.GateCredential, started, err)
		return nil
	}
	if revoked {
		s.metrics.ObserveCheck(metrics.GateCredential, metrics.ResultDeny, started)
		return admission.CredentialRevoked()
	}

	s.metrics.ObserveCheck(metrics.GateCredential, metrics.ResultAdmit, started)
	return nil
}

// CheckRate counts the request against policy p. The returned decision is
// always usable for rate limit headers, also when the error is a rejection.
func (s *AdmissionService) CheckRate(ctx context.Context, p admission.Policy, id admission.RequestIdentity) (admission.Decision, error) {
	started := time.Now()
	key := admission.BuildKey(p, id)

	d, err := s.limiter.Allow(ctx, key, p)
	if err != nil {
		if errors.Is(err, admission.ErrInvalidInput) {
			// A misconfigured route must not take the endpoint down.
			s.logger.Error("Invalid rate limit policy, admitting request",
				zap.String("key", key),
				zap.Error(err))
			d = admission.FailOpen(p)
		}
		s.degraded(metrics.GateRate, started, err, zap.String("key", key))
		return d, nil
	}
	if d.Allowed {
		s.metrics.ObserveCheck(metrics.GateRate, metrics.ResultAdmit, started)
		return d, nil
	}

	s.metrics.ObserveCheck(metrics.GateRate, metrics.ResultDeny, started)
	s.logger.Info("Rate limit exceeded",
		zap.String("key", key),
		zap.String("ip", id.IP),
		zap.Int("limit", d.Limit),
		zap.Duration("retry_after", d.RetryAfter))

	s.recordDenial(ctx, key, id.IP)
	if s.escalation.Enabled && id.IP != "" {
		s.escalate(ctx, id.IP)
	}

	return d, admission.QuotaExceeded(p, d)
}

func (s *AdmissionService) recordDenial(ctx context.Context, key, ip string) {
	started := time.Now()

	ev, err := s.recorder.RecordDenial(ctx, key, ip)
	if err != nil {
		s.degraded(metrics.GateRecorder, started, err, zap.String("key", key))
		ev = redisrepo.DenialEvent{Timestamp: time.Now(), Key: key, IP: ip}
	} else {
		s.metrics.ObserveCheck(metrics.GateRecorder, metrics.ResultAdmit, started)
	}

	s.publish(ctx, events.Message{
		ID:         ev.ID,
		Type:       events.TypeDenial,
		OccurredAt: ev.Timestamp,
		Key:        key,
		IP:         ip,
	})
}

// escalate counts the violation in its own sliding window and bans ip
// temporarily once the violation budget is spent.
func (s *AdmissionService) escalate(ctx context.Context, ip string) {
	started := time.Now()
	p := admission.Policy{
		MaxRequests: s.escalation.Violations,
		Window:      s.escalation.Window,
		Dimension:   admission.DimensionIP,
	}

	d, err := s.limiter.Allow(ctx, redisrepo.ViolationKey(ip), p)
	if err != nil {
		s.degraded(metrics.GateEscalation, started, err, zap.String("ip", ip))
		return
	}
	if d.Allowed {
		s.metrics.ObserveCheck(metrics.GateEscalation, metrics.ResultAdmit, started)
		return
	}

	if err := s.reputation.BanTemporary(ctx, ip, s.escalation.BanDuration, escalationBanReason); err != nil {
		s.degraded(metrics.GateEscalation, started, err, zap.String("ip", ip))
		return
	}
	s.metrics.ObserveCheck(metrics.GateEscalation, metrics.ResultDeny, started)
	s.logger.Warn("IP banned after repeated rate limit violations",
		zap.String("ip", ip),
		zap.Int("violations", d.Count),
		zap.Duration("ban_duration", s.escalation.BanDuration))

	s.publish(ctx, events.Message{
		ID:              uuid.NewString(),
		Type:            events.TypeReputation,
		OccurredAt:      time.Now(),
		IP:              ip,
		Action:          string(redisrepo.ActionBanTemporary),
		Reason:          escalationBanReason,
		DurationSeconds: int64(s.escalation.BanDuration.Seconds()),
	})
}

func (s *AdmissionService) publish(ctx context.Context, msg events.Message) {
	result := "ok"
	if err := s.publisher.Publish(ctx, msg); err != nil {
		result = "error"
	}
	s.metrics.EventsPublished.WithLabelValues(string(msg.Type), result).Inc()
}

func (s *AdmissionService) degraded(gate string, started time.Time, err error, fields ...zap.Field) {
	s.metrics.StoreError(gate)
	s.metrics.ObserveCheck(gate, metrics.ResultDegraded, started)
	s.logger.Warn("Admission gate degraded, failing open",
		append(fields, zap.String("gate", gate), zap.Error(err))...)
}

// Cleanup flushes the event publisher.
func (s *AdmissionService) Cleanup() {
	if err := s.publisher.Close(); err != nil {
		s.logger.Error("Failed to close event publisher", zap.Error(err))
	}
}
