package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment
// variables. It is read once at process start and immutable afterwards.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	TripoAPIKey       string
	TripoBaseURL      string
	TripoModelVersion string
	TripoCallTimeout  time.Duration
	TripoFetchTimeout time.Duration

	StoragePath string

	PollInitial    time.Duration
	PollMax        time.Duration
	PollMultiplier float64
	MaxWait        time.Duration
	MaxAttempts    int

	CreditCostLow     int64
	CreditCostMedium  int64
	CreditCostHigh    int64
	InitialPaid       int64
	InitialPromo      int64
	PromoExpiry       time.Time
	HTTPReadTimeout   time.Duration
	HTTPWriteTimeout  time.Duration
	HTTPIdleTimeout   time.Duration
	RateLimitPerMin   int
	CORSOrigins       []string
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		TripoAPIKey:       os.Getenv("TRIPO_API_KEY"),
		TripoBaseURL:      getEnv("TRIPO_BASE_URL", "https://api.tripo3d.ai/v2/openapi"),
		TripoModelVersion: getEnv("TRIPO_MODEL_VERSION", "v2.5-20250123"),
		TripoCallTimeout:  time.Second * time.Duration(getEnvInt("TRIPO_CALL_TIMEOUT_SECONDS", 30)),
		TripoFetchTimeout: time.Second * time.Duration(getEnvInt("TRIPO_FETCH_TIMEOUT_SECONDS", 120)),

		StoragePath: getEnv("MODEL_STORAGE_PATH", "./data/models"),

		PollInitial:    time.Millisecond * time.Duration(getEnvInt("POLL_INITIAL_MS", 2000)),
		PollMax:        time.Millisecond * time.Duration(getEnvInt("POLL_MAX_MS", 30000)),
		PollMultiplier: 2.0,
		MaxWait:        time.Second * time.Duration(getEnvInt("MAX_GENERATION_TIME_SECONDS", 300)),
		MaxAttempts:    getEnvInt("PROVIDER_MAX_ATTEMPTS", 3),

		CreditCostLow:    int64(getEnvInt("CREDIT_COST_LOW", 2)),
		CreditCostMedium: int64(getEnvInt("CREDIT_COST_MEDIUM", 4)),
		CreditCostHigh:   int64(getEnvInt("CREDIT_COST_HIGH", 8)),
		InitialPaid:      int64(getEnvInt("CREDIT_PAID_INITIAL", 0)),
		InitialPromo:     int64(getEnvInt("CREDIT_PROMO_INITIAL", 0)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSOrigins:      splitList(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:5000")),
	}

	if raw := os.Getenv("CREDIT_PROMO_EXPIRY"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("CREDIT_PROMO_EXPIRY must be RFC3339: %w", err)
		}
		cfg.PromoExpiry = t
	}

	if cfg.TripoAPIKey == "" {
		return nil, fmt.Errorf("TRIPO_API_KEY is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
