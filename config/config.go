package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Qianfan chat completions
	BaiduAPIKey    string        // bearer token; missing key fails at call time, not startup
	ChatURL        string        // default: qianfan.DefaultChatURL when empty
	RequestTimeout time.Duration // default: 120s

	// Text moderation (optional; moderation endpoints return 503 when unset)
	CensorAPIKey    string
	CensorSecretKey string

	// Repair
	RepairModel     string // default: ernie-4.5-turbo-128k
	RepairMaxRounds int    // default: 3

	// Gateway callers: "tenant:key,tenant:key"
	GatewayAPIKeys string

	// Stats retention: 0 keeps every per-call record
	StatsMaxDetail int

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		BaiduAPIKey:          os.Getenv("BAIDU_API_KEY"),
		ChatURL:              os.Getenv("QIANFAN_CHAT_URL"),
		CensorAPIKey:         os.Getenv("TEXT_API_KEY"),
		CensorSecretKey:      os.Getenv("TEXT_SECRET_KEY"),
		RepairModel:          getEnv("REPAIR_MODEL", "ernie-4.5-turbo-128k"),
		GatewayAPIKeys:       os.Getenv("GATEWAY_API_KEYS"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	timeoutSec, err := getEnvInt("QIANFAN_TIMEOUT_SECONDS", 120)
	if err != nil {
		return nil, err
	}
	cfg.RequestTimeout = time.Duration(timeoutSec) * time.Second

	cfg.RepairMaxRounds, err = getEnvInt("REPAIR_MAX_ROUNDS", 3)
	if err != nil {
		return nil, err
	}

	cfg.StatsMaxDetail, err = getEnvInt("STATS_MAX_DETAIL", 0)
	if err != nil {
		return nil, err
	}

	tpm, err := getEnvInt("DEFAULT_RATE_LIMIT_TPM", 100000)
	if err != nil {
		return nil, err
	}
	cfg.DefaultRateLimitTPM = int64(tpm)

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
