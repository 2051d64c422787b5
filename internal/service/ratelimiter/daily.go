package ratelimiter

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/invoice-extractor/internal/adapter/observability"
)

// Daily counters use a fixed UTC+1 offset so the quota day always rolls
// over at midnight CET, regardless of server timezone or DST.
const cetOffsetSeconds = 3600

// Counters are kept one extra day past their reset so a late reader never
// sees a vanished key mid-window.
const dailyKeyTTLSeconds = 2 * 86400

// DayKey numbers the CET day containing t. Keys are strictly increasing, so
// a rollover can never re-admit traffic counted against the previous day.
func DayKey(t time.Time) int64 {
	return (t.Unix() + cetOffsetSeconds) / 86400
}

// NextReset is the instant the current CET day ends (the next midnight CET).
func NextReset(t time.Time) time.Time {
	return time.Unix((DayKey(t)+1)*86400-cetOffsetSeconds, 0).UTC()
}

const luaDailyCounterScript = `
local key = KEYS[1]
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local cur = tonumber(redis.call("GET", key) or "0")
if cur + cost > limit then
  return { 0, cur }
end

local v = redis.call("INCRBY", key, cost)
if v == cost then
  redis.call("EXPIRE", key, ttl)
end
return { 1, v }
`

// DailyState is the post-evaluation view of one daily counter.
type DailyState struct {
	Allowed   bool
	Used      int64
	Remaining int64
	ResetAt   time.Time
}

// AllowDaily counts cost against the scope's counter for the current CET
// day. The check and increment run in one script, so concurrent callers
// cannot both slip under the limit; a rejected call does not consume quota.
// Limits <= 0 admit everything. Backend failures fail open like Allow.
func (l *RedisLuaLimiter) AllowDaily(ctx context.Context, scope string, cost, limit int64) (DailyState, error) {
	if l == nil || l.redis == nil || limit <= 0 {
		return DailyState{Allowed: true, Remaining: limit}, nil
	}
	if cost <= 0 {
		cost = 1
	}

	now := l.now()
	key := "rate:daily:" + scope + ":" + strconv.FormatInt(DayKey(now), 10)
	resetAt := NextReset(now)

	var res interface{}
	var err error
	for attempt := 0; attempt < l.failTries; attempt++ {
		res, err = l.dailyScript.Run(ctx, l.redis, []string{key}, cost, limit, dailyKeyTTLSeconds).Result()
		if err == nil {
			break
		}
	}
	if err != nil {
		slog.Error("redis daily counter script error", slog.String("scope", scope), slog.Any("error", err))
		observability.RateLimitFailOpen()
		return DailyState{Allowed: true, Remaining: limit, ResetAt: resetAt}, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("redis daily counter unexpected script result", slog.String("scope", scope), slog.Any("result", res))
		return DailyState{Allowed: true, Remaining: limit, ResetAt: resetAt}, nil
	}

	used := toInt64(vals[1])
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return DailyState{
		Allowed:   toInt64(vals[0]) == 1,
		Used:      used,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

