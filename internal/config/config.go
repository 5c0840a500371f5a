package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	JWTSecret     string
	CORSOrigin    string
	LogLevel      string
	LogFormat     string
	// Redis Configuration
	RedisURL string
	// Chat transcripts expire after this long without a new message
	ChatHistoryTTL time.Duration
	// Realtime notifications
	NotifyChannelPrefix string
	NotifyTimeout       time.Duration
	// Reconciliation and suggestion processing
	BatchConcurrency  int
	ReconcileAtomic   bool
	DefaultTaskStatus string
}

var defaults = map[string]any{
	"API_ADDR":                 ":8787",
	"DATABASE_URL":             "",
	"MIGRATIONS_DIR":           "./db/migrations",
	"JWT_SECRET":               "boardpilot-dev-secret",
	"CORS_ORIGIN":              "*",
	"LOG_LEVEL":                "info",
	"LOG_FORMAT":               "text",
	"REDIS_URL":                "",
	"CHAT_HISTORY_TTL_SECONDS": 7 * 24 * 60 * 60,
	"NOTIFY_CHANNEL_PREFIX":    "board-events:",
	"NOTIFY_TIMEOUT_SECONDS":   2,
	"BATCH_CONCURRENCY":        4,
	"RECONCILE_ATOMIC":         false,
	"DEFAULT_TASK_STATUS":      "Todo",
}

// Load reads configuration from the environment, falling back to defaults
// for unset or unparsable values.
func Load() Config {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	return FromViper(v)
}

func FromViper(v *viper.Viper) Config {
	concurrency := v.GetInt("BATCH_CONCURRENCY")
	if concurrency <= 0 {
		concurrency = defaults["BATCH_CONCURRENCY"].(int)
	}
	chatTTL := v.GetInt("CHAT_HISTORY_TTL_SECONDS")
	if chatTTL <= 0 {
		chatTTL = defaults["CHAT_HISTORY_TTL_SECONDS"].(int)
	}
	notifyTimeout := v.GetInt("NOTIFY_TIMEOUT_SECONDS")
	if notifyTimeout <= 0 {
		notifyTimeout = defaults["NOTIFY_TIMEOUT_SECONDS"].(int)
	}
	return Config{
		Addr:                v.GetString("API_ADDR"),
		DatabaseURL:         strings.TrimSpace(v.GetString("DATABASE_URL")),
		MigrationsDir:       v.GetString("MIGRATIONS_DIR"),
		JWTSecret:           v.GetString("JWT_SECRET"),
		CORSOrigin:          v.GetString("CORS_ORIGIN"),
		LogLevel:            strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:           strings.ToLower(v.GetString("LOG_FORMAT")),
		RedisURL:            strings.TrimSpace(v.GetString("REDIS_URL")),
		ChatHistoryTTL:      time.Duration(chatTTL) * time.Second,
		NotifyChannelPrefix: v.GetString("NOTIFY_CHANNEL_PREFIX"),
		NotifyTimeout:       time.Duration(notifyTimeout) * time.Second,
		BatchConcurrency:    concurrency,
		ReconcileAtomic:     v.GetBool("RECONCILE_ATOMIC"),
		DefaultTaskStatus:   v.GetString("DEFAULT_TASK_STATUS"),
	}
}
