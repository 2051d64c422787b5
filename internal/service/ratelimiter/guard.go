package ratelimiter

import (
	"context"
	"time"

	"github.com/fairyhunter13/invoice-extractor/internal/adapter/observability"
	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

// Scope labels carried on LimitError and the rejection metric.
const (
	ScopeSessionJobs    = "session_jobs"
	ScopeSessionFiles   = "session_files"
	ScopeIPJobs         = "ip_jobs"
	ScopeSessionRetries = "session_retries"
	ScopeDailySession   = "daily_session"
	ScopeDailyGlobal    = "daily_global"
)

// LimitError reports which axis rejected a request, with enough detail for
// the handler to emit Retry-After and X-RateLimit-* headers.
type LimitError struct {
	Scope      string
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *LimitError) Error() string {
	return "rate limited: " + e.Scope
}

func (e *LimitError) Unwrap() error {
	return domain.ErrRateLimited
}

// Guard runs every admission axis for an operation in a fixed order and
// stops at the first rejection. Axes checked earlier keep the tokens they
// consumed; refunds would need cross-key transactions for little gain.
type Guard struct {
	limiter      *RedisLuaLimiter
	dailySession int64
	dailyGlobal  int64
}

func NewGuard(limiter *RedisLuaLimiter, dailySessionLimit, dailyGlobalLimit int64) *Guard {
	return &Guard{
		limiter:      limiter,
		dailySession: dailySessionLimit,
		dailyGlobal:  dailyGlobalLimit,
	}
}

// AllowCreateJobs admits an upload of fileCount files for the session.
// Order: session job bucket, session file bucket (cost = fileCount), client
// IP bucket, then the per-session and global daily counters.
func (g *Guard) AllowCreateJobs(ctx context.Context, sessionID, clientIP string, fileCount int) error {
	if g == nil || g.limiter == nil {
		return nil
	}
	if fileCount < 1 {
		fileCount = 1
	}

	if err := g.allowBucket(ctx, ClassJobs, sessionID, 1, ScopeSessionJobs); err != nil {
		return err
	}
	if err := g.allowBucket(ctx, ClassFiles, sessionID, int64(fileCount), ScopeSessionFiles); err != nil {
		return err
	}
	if clientIP != "" {
		if err := g.allowBucket(ctx, ClassIPJobs, clientIP, 1, ScopeIPJobs); err != nil {
			return err
		}
	}
	if err := g.allowDaily(ctx, "session:"+sessionID, int64(fileCount), g.dailySession, ScopeDailySession); err != nil {
		return err
	}
	return g.allowDaily(ctx, "global", int64(fileCount), g.dailyGlobal, ScopeDailyGlobal)
}

// AllowRetry admits one manual retry for the session.
func (g *Guard) AllowRetry(ctx context.Context, sessionID string) error {
	if g == nil || g.limiter == nil {
		return nil
	}
	return g.allowBucket(ctx, ClassRetries, sessionID, 1, ScopeSessionRetries)
}

func (g *Guard) allowBucket(ctx context.Context, class, entity string, cost int64, scope string) error {
	// Backend errors fail open; the limiter logs and counts them.
	state, _ := g.limiter.Allow(ctx, class, entity, cost)
	if state.Allowed {
		return nil
	}
	observability.RateLimitRejected(scope)
	return &LimitError{
		Scope:      scope,
		Limit:      g.limiter.Capacity(class),
		Remaining:  state.Remaining,
		RetryAfter: state.RetryAfter,
	}
}

func (g *Guard) allowDaily(ctx context.Context, counterKey string, cost, limit int64, scope string) error {
	state, _ := g.limiter.AllowDaily(ctx, counterKey, cost, limit)
	if state.Allowed {
		return nil
	}
	observability.RateLimitRejected(scope)
	retryAfter := time.Duration(0)
	if !state.ResetAt.IsZero() {
		retryAfter = state.ResetAt.Sub(g.limiter.now())
		if retryAfter < 0 {
			retryAfter = 0
		}
	}
	return &LimitError{
		Scope:      scope,
		Limit:      limit,
		Remaining:  state.Remaining,
		RetryAfter: retryAfter,
		ResetAt:    state.ResetAt,
	}
}
