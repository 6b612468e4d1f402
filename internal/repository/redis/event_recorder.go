package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"admission-service/internal/admission"
	"admission-service/internal/bucketing"
	"admission-service/internal/client"
	"admission-service/internal/util"
)

const (
	defaultEventCap    = 1000
	defaultEventsLimit = 50
	defaultStatsTTL    = 30 * 24 * time.Hour
)

// DenialEvent is one rate limit denial.
type DenialEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Key       string    `json:"key"`
	IP        string    `json:"ip"`
}

type DayTotal struct {
	Date  string `json:"date"`
	Total int64  `json:"total"`
}

type KeyCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

type DailyStats struct {
	Days  []DayTotal `json:"days"`
	Today []KeyCount `json:"today_by_key"`
}

// EventRecorder keeps the capped denial feed and the per-day denial counters.
type EventRecorder struct {
	client   *client.RedisClient
	eventCap int64
	statsTTL time.Duration
	now      func() time.Time
	newID    func() string
}

func NewEventRecorder(client *client.RedisClient, eventCap int64, statsTTL time.Duration) *EventRecorder {
	if eventCap <= 0 {
		eventCap = defaultEventCap
	}
	if statsTTL <= 0 {
		statsTTL = defaultStatsTTL
	}
	return &EventRecorder{
		client:   client,
		eventCap: eventCap,
		statsTTL: statsTTL,
		now:      time.Now,
		newID:    orderedID,
	}
}

// RecordDenial appends the event, trims the feed to the cap and bumps today's
// counters in one MULTI/EXEC. It is best effort: callers log the error and move on.
func (r *EventRecorder) RecordDenial(ctx context.Context, key, ip string) (DenialEvent, error) {
	now := r.now().UTC()
	event := DenialEvent{ID: r.newID(), Timestamp: now, Key: key, IP: ip}

	member, err := json.Marshal(event)
	if err != nil {
		return event, fmt.Errorf("encode denial event: %w", err)
	}

	ctx, cancel := r.client.OpContext(ctx)
	defer cancel()

	statsKey := dailyStatsKey(bucketing.DateBucket(now))
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, eventsKey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.ZRemRangeByRank(ctx, eventsKey, 0, -(r.eventCap + 1))
	pipe.HIncrBy(ctx, statsKey, dailyStatsTotal, 1)
	pipe.HIncrBy(ctx, statsKey, key, 1)
	pipe.Expire(ctx, statsKey, r.statsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to record rate limit denial",
			zap.String("key", key),
			zap.String("ip", ip),
			zap.Error(err))
		return event, fmt.Errorf("%w: record denial: %v", admission.ErrStoreUnavailable, err)
	}
	return event, nil
}

// RecentEvents returns up to limit events, newest first. limit <= 0 means 50;
// it never exceeds the feed cap.
func (r *EventRecorder) RecentEvents(ctx context.Context, limit int64) ([]DenialEvent, error) {
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	limit = min(limit, r.eventCap)

	ctx, cancel := r.client.OpContext(ctx)
	defer cancel()

	raw, err := r.client.Client.ZRevRange(ctx, eventsKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: recent events: %v", admission.ErrStoreUnavailable, err)
	}

	events := make([]DenialEvent, 0, len(raw))
	for _, member := range raw {
		var e DenialEvent
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			util.Warn("Skipping malformed denial event", zap.String("member", member), zap.Error(err))
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// DailyStats returns the denial totals of the last days days (oldest first,
// zero for days without denials) and today's counts per key, largest first.
func (r *EventRecorder) DailyStats(ctx context.Context, days int) (DailyStats, error) {
	if days <= 0 {
		days = 7
	}
	dates := bucketing.DateBuckets(r.now(), days)

	ctx, cancel := r.client.OpContext(ctx)
	defer cancel()

	pipe := r.client.Pipeline()
	totals := make([]*redis.StringCmd, len(dates))
	for i, date := range dates {
		totals[i] = pipe.HGet(ctx, dailyStatsKey(date), dailyStatsTotal)
	}
	today := pipe.HGetAll(ctx, dailyStatsKey(dates[len(dates)-1]))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return DailyStats{}, fmt.Errorf("%w: daily stats: %v", admission.ErrStoreUnavailable, err)
	}

	stats := DailyStats{
		Days:  make([]DayTotal, len(dates)),
		Today: []KeyCount{},
	}
	for i, date := range dates {
		stats.Days[i] = DayTotal{Date: date, Total: parseCounter(totals[i].Val())}
	}

	for field, value := range today.Val() {
		if field == dailyStatsTotal {
			continue
		}
		stats.Today = append(stats.Today, KeyCount{Key: field, Count: parseCounter(value)})
	}
	sort.Slice(stats.Today, func(i, j int) bool {
		if stats.Today[i].Count != stats.Today[j].Count {
			return stats.Today[i].Count > stats.Today[j].Count
		}
		return stats.Today[i].Key < stats.Today[j].Key
	})
	return stats, nil
}

// orderedID returns a UUIDv7. Feed members start with it, so entries sharing a
// millisecond score still sort in insertion order.
func orderedID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func parseCounter(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
