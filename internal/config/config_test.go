package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "dev", cfg.AppEnv)
	require.True(t, cfg.IsDev())
	require.False(t, cfg.IsProd())
	require.Equal(t, QueueEmulate, cfg.QueueBackend)
	require.True(t, cfg.EmulationEnabled())
	require.Equal(t, "invoice.process", cfg.TopicProcess)
	require.Equal(t, 10, cfg.MaxFilesPerUpload)
	require.Equal(t, int64(10*1024*1024), cfg.MaxFileSizeBytes())
	require.Equal(t, 20, cfg.MaxPDFPages)
	require.Equal(t, 5, cfg.OCRSyncMaxPages)
	require.Equal(t, []string{"en", "nl"}, cfg.OCRLangHints)
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 3, cfg.MaxManualRetries)
	require.Equal(t, 50, cfg.DailySessionLimit)
	require.Equal(t, 1000, cfg.DailyGlobalLimit)
	require.Equal(t, 24, cfg.RetentionHours)
	require.Equal(t, 24*time.Hour, cfg.RetentionAge())
	require.Equal(t, TaskAuthOff, cfg.TaskAuthMode)
}

func Test_Load_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("QUEUE_BACKEND", "redpanda")
	t.Setenv("KAFKA_BROKERS", "r1:9092,r2:9092")
	t.Setenv("MAX_FILE_SIZE_MB", "2")
	t.Setenv("OCR_LANG_HINTS", "de")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.IsProd())
	require.Equal(t, QueueRedpanda, cfg.QueueBackend)
	require.False(t, cfg.EmulationEnabled())
	require.Equal(t, []string{"r1:9092", "r2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, int64(2*1024*1024), cfg.MaxFileSizeBytes())
	require.Equal(t, []string{"de"}, cfg.OCRLangHints)
}

func Test_Load_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "rabbitmq")
	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "QUEUE_BACKEND")
}

func Test_Load_RejectsUnknownTaskAuthMode(t *testing.T) {
	t.Setenv("TASK_AUTH_MODE", "mtls")
	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "TASK_AUTH_MODE")
}

func Test_StaleThreshold_FloorsAtThreeHeartbeats(t *testing.T) {
	cfg := Config{HeartbeatInterval: 30 * time.Second, LockStaleAfter: 10 * time.Minute}
	require.Equal(t, 10*time.Minute, cfg.StaleThreshold())

	// A long heartbeat interval lifts the floor above the configured value.
	cfg = Config{HeartbeatInterval: 5 * time.Minute, LockStaleAfter: 10 * time.Minute}
	require.Equal(t, 15*time.Minute, cfg.StaleThreshold())
}

func Test_GetAIBackoffConfig_TestProfile(t *testing.T) {
	cfg := Config{AppEnv: "test",
		AIBackoffMaxElapsedTime:  time.Hour,
		AIBackoffInitialInterval: time.Minute,
		AIBackoffMaxInterval:     time.Hour,
		AIBackoffMultiplier:      9,
	}
	maxElapsed, initial, maxIv, mult := cfg.GetAIBackoffConfig()
	require.Equal(t, 5*time.Second, maxElapsed)
	require.Equal(t, 100*time.Millisecond, initial)
	require.Equal(t, time.Second, maxIv)
	require.Equal(t, 2.0, mult)

	cfg.AppEnv = "prod"
	maxElapsed, initial, maxIv, mult = cfg.GetAIBackoffConfig()
	require.Equal(t, time.Hour, maxElapsed)
	require.Equal(t, time.Minute, initial)
	require.Equal(t, time.Hour, maxIv)
	require.Equal(t, 9.0, mult)
}
