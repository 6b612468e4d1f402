package redis

import "time"

// Key namespaces. The three gates share one Redis deployment but never each other's keys.
const (
	whitelistKey      = "admission:whitelist"
	blacklistKey      = "admission:blacklist"
	banReasonsKey     = "admission:blacklist:reasons"
	tempBanPrefix     = "admission:blacklist:temp:"
	blacklistLogKey   = "admission:blacklist:log"
	revocationPrefix  = "jwt:blacklist:"
	eventsKey         = "ratelimit:events"
	dailyStatsPrefix  = "ratelimit:stats:"
	dailyStatsTotal   = "total"
	violationsPrefix  = "ratelimit:violations:"
	violationsSuffix  = ":escalation"
	scanBatchSize     = 500
	auditLogRetention = 30 * 24 * time.Hour
)

// ViolationKey is the sliding window counting rate limit violations of one IP.
func ViolationKey(ip string) string {
	return violationsPrefix + ip + violationsSuffix
}

func tempBanKey(ip string) string {
	return tempBanPrefix + ip
}

func revocationKey(tokenHash string) string {
	return revocationPrefix + tokenHash
}

func dailyStatsKey(date string) string {
	return dailyStatsPrefix + date
}
