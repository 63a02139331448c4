package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadConfig_Defaults(t *testing.T) {
	noEnvFile(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "local", cfg.Env)
	require.Equal(t, "memory", cfg.StoreDriver)
	require.Equal(t, "memory", cfg.RemoteDriver)
	require.Equal(t, int64(3600000), cfg.BucketSizeHourlyMs)
	require.Equal(t, int64(86400000), cfg.BucketSizeDailyMs)
	require.Equal(t, 0.2, cfg.SyncBackoffJitter)
	require.Empty(t, cfg.DeviceIDs)
}

func TestLoadConfig_FromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "DEVICE_IDS=meter-1, meter-2 ,\nHOURLY_RATE_LIMIT=12.5\nSTORE_DRIVER=sqlite\nSQLITE_PATH=/tmp/w.db\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("ENV_FILE", path)
	// godotenv never overrides variables that are already set
	t.Setenv("DAILY_VOLUME_LIMIT", "250")
	t.Cleanup(func() {
		for _, k := range []string{"DEVICE_IDS", "HOURLY_RATE_LIMIT", "STORE_DRIVER", "SQLITE_PATH"} {
			os.Unsetenv(k)
		}
	})

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, []string{"meter-1", "meter-2"}, cfg.DeviceIDs)
	require.Equal(t, 12.5, cfg.HourlyRateLimit)
	require.Equal(t, 250.0, cfg.DailyVolumeLimit)
	require.Equal(t, "sqlite", cfg.StoreDriver)
	require.Equal(t, "/tmp/w.db", cfg.SQLitePath)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown store", map[string]string{"STORE_DRIVER": "postgres"}, "StoreDriver"},
		{"daily smaller than hourly", map[string]string{"BUCKET_SIZE_DAILY_MS": "1000"}, "BucketSizeDailyMs"},
		{"jitter out of range", map[string]string{"SYNC_BACKOFF_JITTER": "1.5"}, "SyncBackoffJitter"},
		{"bad broker", map[string]string{"REMOTE_DRIVER": "kafka", "KAFKA_BROKERS": "nohost"}, "KafkaBrokers"},
		{"negative limit", map[string]string{"HOURLY_RATE_LIMIT": "-1"}, "HourlyRateLimit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			noEnvFile(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}
