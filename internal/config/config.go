package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	ServerPort string
	GinMode    string
	LogLevel   string
	LogFormat  string
	RedisURL   string
	JWTSecret  string
	JWTExpiry  time.Duration

	// Upstream assessment API — the system of record for sessions, answers,
	// monitoring events and face verification.
	UpstreamBaseURL string
	UpstreamTimeout time.Duration

	// TimerTick is the countdown resolution. One second in production;
	// configurable so the session engine can run at millisecond speed in tests.
	TimerTick time.Duration

	// BlockingFirstFaceCheck withholds question delivery until the initial
	// identity check reaches a terminal state. Periodic rechecks are always
	// soft-fail regardless of this flag.
	BlockingFirstFaceCheck bool

	// MaxFrameBytes caps the size of a base64 face capture frame.
	MaxFrameBytes int64

	// AllowedOrigins controls HTTP CORS and WebSocket origin validation.
	// Empty slice means all origins are permitted (dev default).
	AllowedOrigins []string
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing.
func Load() *Config {
	_ = godotenv.Load() // Ignore error — .env is optional

	return &Config{
		ServerPort:             getEnv("SERVER_PORT", "8080"),
		GinMode:                getEnv("GIN_MODE", "debug"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "pretty"),
		RedisURL:               getEnv("REDIS_URL", "redis://localhost:6379/0"),
		JWTSecret:              getEnv("JWT_SECRET", "change-this-to-a-secure-random-string"),
		JWTExpiry:              time.Duration(getEnvInt("JWT_EXPIRY_HOURS", 24)) * time.Hour,
		UpstreamBaseURL:        getEnv("UPSTREAM_BASE_URL", "http://localhost:9000/api/v1"),
		UpstreamTimeout:        time.Duration(getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 10)) * time.Second,
		TimerTick:              time.Duration(getEnvInt("TIMER_TICK_MS", 1000)) * time.Millisecond,
		BlockingFirstFaceCheck: getEnvBool("BLOCKING_FIRST_FACE_CHECK", false),
		MaxFrameBytes:          int64(getEnvInt("MAX_FRAME_SIZE_KB", 512)) * 1024,
		AllowedOrigins:         parseOrigins(getEnv("ALLOWED_ORIGINS", "")),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// parseOrigins splits a comma-separated origins string into a trimmed slice.
// Returns nil (allow-all) if the input is empty.
func parseOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
