package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all app configuration
type Config struct {
	Env      string `validate:"oneof=local dev prod"`
	HTTPPort string `validate:"required,numeric"`

	// Devices served by this node. Empty means every device on the topic.
	DeviceIDs []string `validate:"dive,required"`

	// Local store
	StoreDriver string `validate:"oneof=memory sqlite clickhouse"`
	SQLitePath  string `validate:"required_if=StoreDriver sqlite"`

	ClickhouseAddr     string `validate:"required_if=StoreDriver clickhouse"`
	ClickhouseDatabase string
	ClickhouseUsername string
	ClickhousePassword string
	ClickhouseTimeout  int `validate:"gt=0"`

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	// Where sync cursors and the outbound write queue live.
	CursorBackend string `validate:"oneof=store redis"`
	QueueBackend  string `validate:"oneof=store redis"`

	// Remote backend
	RemoteDriver       string   `validate:"oneof=memory kafka"`
	KafkaBrokers       []string `validate:"required_if=RemoteDriver kafka,dive,hostname_port"`
	KafkaTopic         string   `validate:"required"`
	KafkaConsumerGroup string   `validate:"required"`
	KafkaBatchSize     int      `validate:"gt=0"`
	KafkaBatchTimeout  int      `validate:"gt=0"` // milliseconds
	SessionUser        string
	SessionToken       string

	// Thresholds, zero disables a check
	HourlyRateLimit  float64 `validate:"gte=0"` // liters per hour
	DailyVolumeLimit float64 `validate:"gte=0"` // liters per day
	SilenceTimeoutMs int64   `validate:"gte=0"`

	BucketSizeHourlyMs int64 `validate:"gt=0"`
	BucketSizeDailyMs  int64 `validate:"gtefield=BucketSizeHourlyMs"`

	SyncBackoffBaseMs int64   `validate:"gt=0"`
	SyncBackoffMaxMs  int64   `validate:"gtefield=SyncBackoffBaseMs"`
	SyncBackoffJitter float64 `validate:"gte=0,lte=1"`

	SilenceSweepIntervalMs int64 `validate:"gt=0"`
	WriteFlushIntervalMs   int64 `validate:"gt=0"`
	AlertRetentionHours    int   `validate:"gte=0"`

	// App settings
	EventBufferSize int `validate:"gt=0"`
	DemoMode        bool
}

// LoadConfig loads configuration from environment variables, with optional .env file.
// The file is taken from ENV_FILE, or .env in the working directory.
func LoadConfig() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := &Config{
		Env:       getEnv("ENV", "local"),
		HTTPPort:  getEnv("HTTP_PORT", "8080"),
		DeviceIDs: getEnvAsSlice("DEVICE_IDS", nil, ","),

		StoreDriver: getEnv("STORE_DRIVER", "memory"),
		SQLitePath:  getEnv("SQLITE_PATH", "waterwise.db"),

		ClickhouseAddr:     getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickhouseDatabase: getEnv("CLICKHOUSE_DATABASE", "default"),
		ClickhouseUsername: getEnv("CLICKHOUSE_USERNAME", ""),
		ClickhousePassword: getEnv("CLICKHOUSE_PASSWORD", ""),
		ClickhouseTimeout:  getEnvAsInt("CLICKHOUSE_TIMEOUT", 10),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		CursorBackend: getEnv("CURSOR_BACKEND", "store"),
		QueueBackend:  getEnv("QUEUE_BACKEND", "store"),

		RemoteDriver:       getEnv("REMOTE_DRIVER", "memory"),
		KafkaBrokers:       getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}, ","),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "readings"),
		KafkaConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "waterwise-group"),
		KafkaBatchSize:     getEnvAsInt("KAFKA_BATCH_SIZE", 100),
		KafkaBatchTimeout:  getEnvAsInt("KAFKA_BATCH_TIMEOUT", 1000),
		SessionUser:        getEnv("SESSION_USER", ""),
		SessionToken:       getEnv("SESSION_TOKEN", ""),

		HourlyRateLimit:  getEnvAsFloat("HOURLY_RATE_LIMIT", 60),
		DailyVolumeLimit: getEnvAsFloat("DAILY_VOLUME_LIMIT", 500),
		SilenceTimeoutMs: getEnvAsInt64("SILENCE_TIMEOUT_MS", 2*60*60*1000),

		BucketSizeHourlyMs: getEnvAsInt64("BUCKET_SIZE_HOURLY_MS", 60*60*1000),
		BucketSizeDailyMs:  getEnvAsInt64("BUCKET_SIZE_DAILY_MS", 24*60*60*1000),

		SyncBackoffBaseMs: getEnvAsInt64("SYNC_BACKOFF_BASE_MS", 1000),
		SyncBackoffMaxMs:  getEnvAsInt64("SYNC_BACKOFF_MAX_MS", 60000),
		SyncBackoffJitter: getEnvAsFloat("SYNC_BACKOFF_JITTER", 0.2),

		SilenceSweepIntervalMs: getEnvAsInt64("SILENCE_SWEEP_INTERVAL_MS", 60000),
		WriteFlushIntervalMs:   getEnvAsInt64("WRITE_FLUSH_INTERVAL_MS", 5000),
		AlertRetentionHours:    getEnvAsInt("ALERT_RETENTION_HOURS", 7*24),

		EventBufferSize: getEnvAsInt("EVENT_BUFFER_SIZE", 1000),
		DemoMode:        getEnvAsBool("DEMO_MODE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every violation at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Helper functions for parsing environment variables
func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	valStr := getEnv(key, "")
	if val, err := strconv.ParseBool(valStr); err == nil {
		return val
	}
	return defaultVal
}

func getEnvAsSlice(key string, defaultVal []string, sep string) []string {
	valStr := getEnv(key, "")
	if valStr == "" {
		return defaultVal
	}
	parts := strings.Split(valStr, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
