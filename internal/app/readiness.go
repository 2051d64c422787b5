package app

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// BuildReadinessChecks returns the three readiness probes: db, redis, blob.
// The blob probe does a metadata lookup on a fixed key; the object not
// existing is fine, only transport or auth failures count.
func BuildReadinessChecks(pool Pinger, rdb RedisClient, blob domain.BlobStore) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	blobCheck := func(ctx context.Context) error {
		if blob == nil {
			return fmt.Errorf("blob store not configured")
		}
		_, err := blob.Exists(ctx, ".readyz-probe")
		return err
	}
	return dbCheck, redisCheck, blobCheck
}
