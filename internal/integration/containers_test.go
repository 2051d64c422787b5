//go:build integration

// Container smoke tests. They need a Docker daemon and are kept behind the
// integration tag so the unit suite stays hermetic.
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fairyhunter13/invoice-extractor/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/invoice-extractor/internal/domain"
	"github.com/fairyhunter13/invoice-extractor/internal/service/ratelimiter"
)

func Test_Postgres_SchemaAndJobRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "invoices",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/invoices?sslmode=disable", host, port.Port())

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.EnsureSchema(ctx, pool))

	repo := postgres.NewJobRepo(pool)
	now := time.Now().UTC().Truncate(time.Millisecond)
	id, err := repo.Create(ctx, domain.Job{
		SessionID: "a67c2a54-1c1c-4b6e-9a1e-0d3a2f1b9c11",
		Filename:  "invoice.pdf",
		BlobPath:  "uploads/s/invoice.pdf",
		SizeBytes: 1024,
		PageCount: 2,
		Status:    domain.JobUploaded,
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "invoice.pdf", got.Filename)
	require.Equal(t, domain.JobUploaded, got.Status)

	_, outcome, err := repo.AcquireLock(ctx, id, "it-worker", 10*time.Minute, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, domain.LockAcquired, outcome)
}

func Test_Redis_TokenBucketEnforcesLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisC.Terminate(ctx) })

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = rdb.Close() })
	require.Eventually(t, func() bool { return rdb.Ping(ctx).Err() == nil }, 30*time.Second, time.Second)

	limiter := ratelimiter.NewRedisLuaLimiter(rdb, nil, map[string]ratelimiter.BucketConfig{
		ratelimiter.ClassJobs: {Capacity: 2, RefillRate: 0.01},
	}, 1)

	for i := 0; i < 2; i++ {
		state, err := limiter.Allow(ctx, ratelimiter.ClassJobs, "session-x", 1)
		require.NoError(t, err)
		require.True(t, state.Allowed, "request %d should pass", i)
	}
	state, err := limiter.Allow(ctx, ratelimiter.ClassJobs, "session-x", 1)
	require.NoError(t, err)
	require.False(t, state.Allowed)
	require.Greater(t, state.RetryAfter, time.Duration(0))
}
