// Package config loads the mirror engine settings from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the mirror engine.
type Config struct {
	Port string

	// Deriv backend
	DerivURL       string
	DerivAppID     string
	MasterToken    string
	RequestTimeout time.Duration
	RateLimit      float64
	RateBurst      int

	// Engine
	Mode         string
	MaxParallel  int
	RecentTrades int

	// Storage
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
	SQLitePath  string

	// Token encryption keys by version
	EncryptionKeys map[int]string

	JWTSecret string

	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the service still starts when .env is missing.
	_ = godotenv.Load()

	timeout, err := getDuration("DERIV_REQUEST_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	rateLimit, err := getFloat("DERIV_RATE_LIMIT", 20)
	if err != nil {
		return nil, err
	}
	rateBurst, err := getInt("DERIV_RATE_BURST", 40)
	if err != nil {
		return nil, err
	}
	maxParallel, err := getInt("MIRROR_MAX_PARALLEL", 16)
	if err != nil {
		return nil, err
	}
	recent, err := getInt("MIRROR_RECENT_TRADES", 100)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := getDuration("CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	keys := EncryptionKeys()
	if len(keys) == 0 {
		return nil, fmt.Errorf("MASTER_ENCRYPTION_KEY is required (generate one with: openssl rand -base64 32)")
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		DerivURL:       getEnv("DERIV_WS_URL", "wss://ws.derivws.com/websockets/v3"),
		DerivAppID:     getEnv("DERIV_APP_ID", "1089"),
		MasterToken:    os.Getenv("DERIV_MASTER_TOKEN"),
		RequestTimeout: timeout,
		RateLimit:      rateLimit,
		RateBurst:      rateBurst,
		Mode:           strings.ToLower(getEnv("MIRROR_MODE", "mirror")),
		MaxParallel:    maxParallel,
		RecentTrades:   recent,
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		CacheTTL:       cacheTTL,
		SQLitePath:     getEnv("SQLITE_PATH", "./data/mirror.db"),
		EncryptionKeys: keys,
		JWTSecret:      os.Getenv("JWT_SECRET"),
		KafkaBrokers:   splitAndTrim(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "mirrored_trades"),
	}, nil
}

// EncryptionKeys collects MASTER_ENCRYPTION_KEY (version 1) and any
// MASTER_ENCRYPTION_KEY_V2 through _V10 that are set.
func EncryptionKeys() map[int]string {
	keys := make(map[int]string)
	if v := os.Getenv("MASTER_ENCRYPTION_KEY"); v != "" {
		keys[1] = v
	}
	for version := 2; version <= 10; version++ {
		if v := os.Getenv(fmt.Sprintf("MASTER_ENCRYPTION_KEY_V%d", version)); v != "" {
			keys[version] = v
		}
	}
	return keys
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, def int) (int, error) {
	if raw := os.Getenv(key); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return v, nil
	}
	return def, nil
}

func getFloat(key string, def float64) (float64, error) {
	if raw := os.Getenv(key); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return v, nil
	}
	return def, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	if raw := os.Getenv(key); raw != "" {
		v, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return v, nil
	}
	return def, nil
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
