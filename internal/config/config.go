package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr          string
	AppURL        string
	DatabaseURL   string
	MigrationsDir string
	CORSOrigin    string
	// Redis holds presence, auth sessions and per-user client state
	RedisURL string
	// Session tokens
	TokenSecret string
	SessionTTL  time.Duration
	// Session lifecycle timers
	HeartbeatInterval time.Duration
	PresenceTTL       time.Duration
	NotificationTTL   time.Duration
	RefetchDebounce   time.Duration
	// Search
	MeiliURL       string
	MeiliMasterKey string
	// Object storage for uploads
	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageUseSSL    bool
	StoragePublicURL string
	// Insight generator (OpenAI-compatible chat completions)
	InsightURL    string
	InsightAPIKey string
	InsightModel  string
	// SMTP Configuration
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
}

func Load() Config {
	// A missing .env file is the normal production case.
	_ = godotenv.Load()

	return Config{
		Addr:              getenv("API_ADDR", ":8787"),
		AppURL:            getenv("STUDIODESK_APP_URL", "http://localhost:5173"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		MigrationsDir:     getenv("STUDIODESK_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:        getenv("STUDIODESK_CORS_ORIGIN", "*"),
		RedisURL:          getenv("REDIS_URL", "redis://localhost:6379/0"),
		TokenSecret:       getenv("STUDIODESK_TOKEN_SECRET", "studiodesk-dev-secret"),
		SessionTTL:        time.Duration(getenvInt("STUDIODESK_SESSION_TTL_SECONDS", 604800)) * time.Second,
		HeartbeatInterval: getenvDuration("STUDIODESK_HEARTBEAT_INTERVAL", time.Minute),
		PresenceTTL:       getenvDuration("STUDIODESK_PRESENCE_TTL", 90*time.Second),
		NotificationTTL:   getenvDuration("STUDIODESK_NOTIFICATION_TTL", 5*time.Second),
		RefetchDebounce:   getenvDuration("STUDIODESK_REFETCH_DEBOUNCE", 300*time.Millisecond),
		MeiliURL:          getenv("MEILI_URL", "http://localhost:7700"),
		MeiliMasterKey:    getenv("MEILI_MASTER_KEY", "studiodesk-meili-key"),
		StorageEndpoint:   getenv("STORAGE_ENDPOINT", ""),
		StorageAccessKey:  getenv("STORAGE_ACCESS_KEY", ""),
		StorageSecretKey:  getenv("STORAGE_SECRET_KEY", ""),
		StorageBucket:     getenv("STORAGE_BUCKET", "studiodesk-files"),
		StorageUseSSL:     getenvBool("STORAGE_USE_SSL", false),
		StoragePublicURL:  getenv("STORAGE_PUBLIC_URL", ""),
		InsightURL:        getenv("INSIGHT_URL", "https://api.groq.com/openai/v1/chat/completions"),
		InsightAPIKey:     getenv("INSIGHT_API_KEY", ""),
		InsightModel:      getenv("INSIGHT_MODEL", "llama-3.1-8b-instant"),
		// SMTP - empty by default, invitations are skipped if not configured
		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenv("SMTP_PORT", "587"),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", ""),
		SMTPFromName: getenv("SMTP_FROM_NAME", "Studiodesk"),
	}
}

// BackendConfigured reports whether the hosted backend can be reached at all.
// Without it nothing else is usable.
func (c Config) BackendConfigured() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
