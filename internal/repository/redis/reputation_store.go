package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"admission-service/internal/admission"
	"admission-service/internal/client"
	"admission-service/internal/util"
)

const (
	defaultAuditLimit = 100
	defaultAuditCap   = 500
)

type AuditAction string

const (
	ActionBan          AuditAction = "BAN"
	ActionBanTemporary AuditAction = "BAN_TEMPORARY"
	ActionUnban        AuditAction = "UNBAN"
	ActionAllow        AuditAction = "ALLOW"
	ActionDisallow     AuditAction = "DISALLOW"
)

// AuditEntry is one operator (or escalation) action on the reputation lists.
type AuditEntry struct {
	ID       string      `json:"id"`
	Time     time.Time   `json:"time"`
	IP       string      `json:"ip"`
	Action   AuditAction `json:"action"`
	Reason   string      `json:"reason,omitempty"`
	Duration int64       `json:"duration_seconds,omitempty"`
}

type BanKind string

const (
	BanPermanent BanKind = "PERMANENT"
	BanTemporary BanKind = "TEMPORARY"
)

type BanEntry struct {
	IP        string     `json:"ip"`
	Reason    string     `json:"reason,omitempty"`
	Kind      BanKind    `json:"kind"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type ReputationCounts struct {
	Permanent   int64 `json:"permanent"`
	Temporary   int64 `json:"temporary"`
	Whitelisted int64 `json:"whitelisted"`
}

// ReputationStore keeps the IP allow list, permanent and temporary bans, and
// their audit trail. Temporary bans expire through their key TTL only.
type ReputationStore struct {
	client   *client.RedisClient
	auditCap int64
	now      func() time.Time
}

func NewReputationStore(client *client.RedisClient, auditCap int64) *ReputationStore {
	if auditCap <= 0 {
		auditCap = defaultAuditCap
	}
	return &ReputationStore{
		client:   client,
		auditCap: auditCap,
		now:      time.Now,
	}
}

// IsBlocked answers in one pipelined round trip. A whitelisted IP is never blocked.
// On store failure it reports (false, err wrapping ErrStoreUnavailable).
func (s *ReputationStore) IsBlocked(ctx context.Context, ip string) (bool, error) {
	if canonical := util.NormalizeIP(ip); canonical != "" {
		ip = canonical
	}

	ctx, cancel := s.client.OpContext(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	allowed := pipe.SIsMember(ctx, whitelistKey, ip)
	banned := pipe.SIsMember(ctx, blacklistKey, ip)
	temp := pipe.Exists(ctx, tempBanKey(ip))
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Reputation lookup failed, treating IP as not blocked",
			zap.String("ip", ip),
			zap.Error(err))
		return false, fmt.Errorf("%w: reputation lookup: %v", admission.ErrStoreUnavailable, err)
	}

	if allowed.Val() {
		return false, nil
	}
	return banned.Val() || temp.Val() > 0, nil
}

// Ban adds ip to the permanent blacklist. It reports whether the IP was newly
// added; repeated bans change nothing and are not audited again.
func (s *ReputationStore) Ban(ctx context.Context, ip, reason string) (bool, error) {
	ip, err := CanonicalIP(ip)
	if err != nil {
		return false, err
	}

	ctx, cancel := s.client.OpContext(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	added := pipe.SAdd(ctx, blacklistKey, ip)
	pipe.HSetNX(ctx, banReasonsKey, ip, reason)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to ban IP", zap.String("ip", ip), zap.Error(err))
		return false, fmt.Errorf("%w: ban: %v", admission.ErrStoreUnavailable, err)
	}

	if added.Val() == 0 {
		return false, nil
	}
	s.audit(ctx, AuditEntry{IP: ip, Action: ActionBan, Reason: reason})
	util.Info("IP banned", zap.String("ip", ip), zap.String("reason", reason))
	return true, nil
}

// BanTemporary blocks ip for duration. Banning again restarts the duration.
func (s *ReputationStore) BanTemporary(ctx context.Context, ip string, duration time.Duration, reason string) error {
	ip, err := CanonicalIP(ip)
	if err != nil {
		return err
	}
	if duration <= 0 {
		return fmt.Errorf("%w: ban duration must be positive, got %s", admission.ErrInvalidInput, duration)
	}

	ctx, cancel := s.client.OpContext(ctx)
	defer cancel()

	if err := s.client.Client.Set(ctx, tempBanKey(ip), reason, duration).Err(); err != nil {
		util.Error("Failed to ban IP temporarily", zap.String("ip", ip), zap.Duration("duration", duration), zap.Error(err))
		return fmt.Errorf("%w: temporary ban: %v", admission.ErrStoreUnavailable, err)
	}

	s.audit(ctx, AuditEntry{
		IP:       ip,
		Action:   ActionBanTemporary,
		Reason:   reason,
		Duration: int64(duration.Seconds()),
	})
	util.Info("IP banned temporarily",
		zap.String("ip", ip),
		zap.Duration("duration", duration),
		zap.String("reason", reason))
	return nil
}

// Unban lifts permanent and temporary bans on ip. Unbanning an IP that is not
// banned is a no-op and leaves no audit record.
func (s *ReputationStore) Unban(ctx context.Context, ip string) (bool, error) {
	ip, err := CanonicalIP(ip)
	if err != nil {
		return false, err
	}

	ctx, cancel := s.client.OpContext(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	removed := pipe.SRem(ctx, blacklistKey, ip)
	deleted := pipe.Del(ctx, tempBanKey(ip))
	pipe.HDel(ctx, banReasonsKey, ip)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to unban IP", zap.String("ip", ip), zap.Error(err))
		return false, fmt.Errorf("%w: unban: %v", admission.ErrStoreUnavailable, err)
	}

	if removed.Val()+deleted.Val() == 0 {
		return false, nil
	}
	s.audit(ctx, AuditEntry{IP: ip, Action: ActionUnban})
	util.Info("IP unbanned", zap.String("ip", ip))
	return true, nil
}

// Allow whitelists ip. Whitelisted IPs pass the reputation gate even while banned.
func (s *ReputationStore) Allow(ctx context.Context, ip string) (bool, error) {
	return s.mutateWhitelist(ctx, ip, ActionAllow)
}

func (s *ReputationStore) Disallow(ctx context.Context, ip string) (bool, error) {
	return s.mutateWhitelist(ctx, ip, ActionDisallow)
}

func (s *ReputationStore) mutateWhitelist(ctx context.Context, ip string, action AuditAction) (bool, error) {
	ip, err := CanonicalIP(ip)
	if err != nil {
		return false, err
	}

	ctx, cancel := s.client.OpContext(ctx)
	defer cancel()

	var cmd *redis.IntCmd
	if action == ActionAllow {
		cmd = s.client.Client.SAdd(ctx, whitelistKey, ip)
	} else {
		cmd = s.client.Client.SRem(ctx, whitelistKey, ip)
	}
	if err := cmd.Err(); err != nil {
		util.Error("Failed to update whitelist", zap.String("ip", ip), zap.String("action", string(action)), zap.Error(err))
		return false, fmt.Errorf("%w: whitelist: %v", admission.ErrStoreUnavailable, err)
	}

	if cmd.Val() == 0 {
		return false, nil
	}
	s.audit(ctx, AuditEntry{IP: ip, Action: action})
	util.Info("Whitelist updated", zap.String("ip", ip), zap.String("action", string(action)))
	return true, nil
}

// CanonicalIP returns ip in the form util.ClientIP resolves requests to, so a
// stored entry matches however the operator typed it.
func CanonicalIP(ip string) (string, error) {
	if canonical := util.NormalizeIP(ip); canonical != "" {
		return canonical, nil
	}
	if strings.TrimSpace(ip) == "" {
		return "", fmt.Errorf("%w: ip is required", admission.ErrInvalidInput)
	}
	return "", fmt.Errorf("%w: %q is not an IP address", admission.ErrInvalidInput, ip)
}

// Bans lists permanent bans followed by the temporary bans still in force.
func (s *ReputationStore) Bans(ctx context.Context) ([]BanEntry, error) {
	ctx, cancel := s.client.WithContext(ctx, 10*s.client.OpTimeout())
	defer cancel()

	pipe := s.client.Pipeline()
	members := pipe.SMembers(ctx, blacklistKey)
	reasons := pipe.HGetAll(ctx, banReasonsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: list bans: %v", admission.ErrStoreUnavailable, err)
	}

	permanent := members.Val()
	sort.Strings(permanent)
	entries := make([]BanEntry, 0, len(permanent))
	for _, ip := range permanent {
		entries = append(entries, BanEntry{IP: ip, Reason: reasons.Val()[ip], Kind: BanPermanent})
	}

	keys, err := s.client.ScanKeys(ctx, tempBanPrefix+"*", scanBatchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: scan temporary bans: %v", admission.ErrStoreUnavailable, err)
	}
	if len(keys) == 0 {
		return entries, nil
	}
	sort.Strings(keys)

	pipe = s.client.Pipeline()
	values := make([]*redis.StringCmd, len(keys))
	ttls := make([]*redis.DurationCmd, len(keys))
	for i, key := range keys {
		values[i] = pipe.Get(ctx, key)
		ttls[i] = pipe.PTTL(ctx, key)
	}
	// Keys expiring between SCAN and GET come back as redis.Nil.
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: read temporary bans: %v", admission.ErrStoreUnavailable, err)
	}

	now := s.now()
	for i, key := range keys {
		if values[i].Err() != nil || ttls[i].Val() <= 0 {
			continue
		}
		expiresAt := now.Add(ttls[i].Val()).UTC()
		entries = append(entries, BanEntry{
			IP:        strings.TrimPrefix(key, tempBanPrefix),
			Reason:    values[i].Val(),
			Kind:      BanTemporary,
			ExpiresAt: &expiresAt,
		})
	}
	return entries, nil
}

// Allowed returns the whitelisted IPs in lexical order.
func (s *ReputationStore) Allowed(ctx context.Context) ([]string, error) {
	ctx, cancel := s.client.OpContext(ctx)
	defer cancel()

	ips, err := s.client.Client.SMembers(ctx, whitelistKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list whitelist: %v", admission.ErrStoreUnavailable, err)
	}
	sort.Strings(ips)
	return ips, nil
}

// AuditLog returns up to limit audit entries, newest first. limit <= 0 means
// the default of 100; it never exceeds the audit cap.
func (s *ReputationStore) AuditLog(ctx context.Context, limit int64) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	limit = min(limit, s.auditCap)

	ctx, cancel := s.client.OpContext(ctx)
	defer cancel()

	raw, err := s.client.Client.ZRevRange(ctx, blacklistLogKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read audit log: %v", admission.ErrStoreUnavailable, err)
	}

	entries := make([]AuditEntry, 0, len(raw))
	for _, member := range raw {
		var e AuditEntry
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			util.Warn("Skipping malformed audit entry", zap.String("member", member), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *ReputationStore) Counts(ctx context.Context) (ReputationCounts, error) {
	ctx, cancel := s.client.WithContext(ctx, 10*s.client.OpTimeout())
	defer cancel()

	pipe := s.client.Pipeline()
	permanent := pipe.SCard(ctx, blacklistKey)
	whitelisted := pipe.SCard(ctx, whitelistKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return ReputationCounts{}, fmt.Errorf("%w: reputation counts: %v", admission.ErrStoreUnavailable, err)
	}

	temp, err := s.client.ScanKeys(ctx, tempBanPrefix+"*", scanBatchSize)
	if err != nil {
		return ReputationCounts{}, fmt.Errorf("%w: scan temporary bans: %v", admission.ErrStoreUnavailable, err)
	}

	return ReputationCounts{
		Permanent:   permanent.Val(),
		Temporary:   int64(len(temp)),
		Whitelisted: whitelisted.Val(),
	}, nil
}

// audit appends e to the capped audit trail. Failures are logged only: the
// reputation change itself already happened.
func (s *ReputationStore) audit(ctx context.Context, e AuditEntry) {
	e.ID = orderedID()
	e.Time = s.now().UTC()

	member, err := json.Marshal(e)
	if err != nil {
		util.Error("Failed to encode audit entry", zap.String("ip", e.IP), zap.Error(err))
		return
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, blacklistLogKey, redis.Z{Score: float64(e.Time.UnixMilli()), Member: member})
	pipe.ZRemRangeByRank(ctx, blacklistLogKey, 0, -(s.auditCap + 1))
	pipe.Expire(ctx, blacklistLogKey, auditLogRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to write audit entry",
			zap.String("ip", e.IP),
			zap.String("action", string(e.Action)),
			zap.Error(err))
	}
}
