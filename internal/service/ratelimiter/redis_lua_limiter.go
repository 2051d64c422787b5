// Package ratelimiter implements the admission limits: Redis-backed token
// buckets per client axis and daily counters pinned to the CET day.
package ratelimiter

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/invoice-extractor/internal/adapter/observability"
)

// Bucket classes. A class carries one BucketConfig shared by every entity
// (session or IP) limited on that axis.
const (
	ClassJobs    = "jobs"
	ClassFiles   = "files"
	ClassRetries = "retries"
	ClassIPJobs  = "ip_jobs"
)

type BucketConfig struct {
	Capacity   int64
	RefillRate float64
}

func NewBucketConfigFromPerMinute(perMinute int) BucketConfig {
	if perMinute <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:   int64(perMinute),
		RefillRate: float64(perMinute) / 60.0,
	}
}

// RedisLuaLimiter evaluates token buckets atomically in Redis. Bucket state
// is mirrored to Postgres best-effort and warmed back on boot so limits
// survive a Redis restart. Time is passed into the script so tests can pin
// it; counters and buckets never depend on Redis server clocks.
type RedisLuaLimiter struct {
	redis       *redis.Client
	pool        *pgxpool.Pool
	classes     map[string]BucketConfig
	script      *redis.Script
	dailyScript *redis.Script
	failTries   int
	now         func() time.Time
	mu          sync.RWMutex
}

func NewRedisLuaLimiter(rdb *redis.Client, pool *pgxpool.Pool, classes map[string]BucketConfig, failOpenTries int) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	if classes == nil {
		classes = map[string]BucketConfig{}
	}
	if failOpenTries < 1 {
		failOpenTries = 1
	}
	return &RedisLuaLimiter{
		redis:       rdb,
		pool:        pool,
		classes:     classes,
		script:      redis.NewScript(luaTokenBucketScript),
		dailyScript: redis.NewScript(luaDailyCounterScript),
		failTries:   failOpenTries,
		now:         time.Now,
	}
}

const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

if last_refill == nil then
  last_refill = now
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  local shortage = cost - tokens
  if refill_rate > 0 then
    retry_after = shortage / refill_rate
  else
    retry_after = 0
  end
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)

return { allowed, tokens, last_refill, retry_after }
`

// BucketState is the post-evaluation view of one bucket.
type BucketState struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Allow consumes cost tokens from the class bucket belonging to entity.
// Unknown classes and zero-capacity configs admit everything. Backend
// failures admit after bounded retries (fail open) with the error returned
// for the caller's logs.
func (l *RedisLuaLimiter) Allow(ctx context.Context, class, entity string, cost int64) (BucketState, error) {
	open := BucketState{Allowed: true}
	if l == nil || l.redis == nil {
		return open, nil
	}
	l.mu.RLock()
	cfg, ok := l.classes[class]
	l.mu.RUnlock()
	if !ok || cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return open, nil
	}
	if cost <= 0 {
		cost = 1
	}

	now := l.now()
	nowSec := float64(now.UnixNano()) / 1e9
	redisKey := "rate:" + class + ":" + entity

	var res interface{}
	var err error
	for attempt := 0; attempt < l.failTries; attempt++ {
		res, err = l.script.Run(ctx, l.redis, []string{redisKey}, cfg.Capacity, cfg.RefillRate, nowSec, cost).Result()
		if err == nil {
			break
		}
	}
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("class", class), slog.Any("error", err))
		observability.RateLimitFailOpen()
		return open, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		slog.Error("redis rate limiter unexpected script result", slog.String("class", class), slog.Any("result", res))
		return open, nil
	}

	state := BucketState{
		Allowed:    toInt64(vals[0]) == 1,
		Remaining:  int64(toFloat64(vals[1])),
		RetryAfter: time.Duration(toFloat64(vals[3]) * float64(time.Second)),
	}

	if l.pool != nil {
		l.mirrorToPostgres(ctx, class+":"+entity, cfg, toFloat64(vals[1]), toFloat64(vals[2]))
	}

	return state, nil
}

// Capacity reports the configured capacity for a class (0 when unlimited).
func (l *RedisLuaLimiter) Capacity(class string) int64 {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.classes[class].Capacity
}

func (l *RedisLuaLimiter) mirrorToPostgres(ctx context.Context, key string, cfg BucketConfig, tokens, lastRefillSec float64) {
	if l.pool == nil {
		return
	}

	sec := int64(lastRefillSec)
	nsec := int64((lastRefillSec - float64(sec)) * 1e9)
	if nsec < 0 {
		nsec = 0
	}
	lastRefill := time.Unix(sec, nsec)

	_, err := l.pool.Exec(ctx,
		`INSERT INTO rate_limit_buckets (bucket_key, capacity, refill_rate, tokens, last_refill)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (bucket_key) DO UPDATE SET
		   capacity = EXCLUDED.capacity,
		   refill_rate = EXCLUDED.refill_rate,
		   tokens = EXCLUDED.tokens,
		   last_refill = EXCLUDED.last_refill`,
		key, cfg.Capacity, cfg.RefillRate, tokens, lastRefill,
	)
	if err != nil {
		slog.Error("failed to mirror rate limit bucket to postgres", slog.String("key", key), slog.Any("error", err))
	}
}

// WarmFromPostgres restores mirrored bucket state into Redis on boot.
func (l *RedisLuaLimiter) WarmFromPostgres(ctx context.Context) error {
	if l == nil || l.pool == nil || l.redis == nil {
		return nil
	}

	rows, err := l.pool.Query(ctx, `SELECT bucket_key, tokens, EXTRACT(EPOCH FROM last_refill) FROM rate_limit_buckets`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var tokens float64
		var lastRefillSec float64
		if err := rows.Scan(&key, &tokens, &lastRefillSec); err != nil {
			return err
		}
		redisKey := "rate:" + key
		sec := int64(lastRefillSec)
		nsec := int64((lastRefillSec - float64(sec)) * 1e9)
		if nsec < 0 {
			nsec = 0
		}
		// Same representation the Lua script uses: seconds as float.
		storedLastRefill := float64(sec) + float64(nsec)/1e9
		if err := l.redis.HMSet(ctx, redisKey, "tokens", tokens, "last_refill", storedLastRefill).Err(); err != nil {
			slog.Error("failed to warm Redis bucket from postgres", slog.String("key", key), slog.Any("error", err))
		}
	}
	return rows.Err()
}

// SetClassConfig updates or creates the bucket configuration for a class.
// Safe for concurrent use.
func (l *RedisLuaLimiter) SetClassConfig(class string, cfg BucketConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.classes == nil {
		l.classes = map[string]BucketConfig{}
	}
	l.classes[class] = cfg
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		return 0
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return math.NaN()
	}
}
