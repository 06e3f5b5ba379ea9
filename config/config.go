package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Pricing
	RatesPath string // optional JSON rates file merged over the built-in table

	// Billing policy
	OverdraftAdapters []string // business adapters allowed to debit past zero

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitRPM int64 // requests per minute, default: 600

	// Reconciliation
	ReconcileIntervalSec int64 // default: 300
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RatesPath:            os.Getenv("RATES_PATH"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	if adapters := os.Getenv("OVERDRAFT_ADAPTERS"); adapters != "" {
		for _, a := range strings.Split(adapters, ",") {
			if a = strings.TrimSpace(a); a != "" {
				cfg.OverdraftAdapters = append(cfg.OverdraftAdapters, a)
			}
		}
	}

	rpmStr := getEnv("DEFAULT_RATE_LIMIT_RPM", "600")
	rpm, err := strconv.ParseInt(rpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_RPM: %w", err)
	}
	cfg.DefaultRateLimitRPM = rpm

	intervalStr := getEnv("RECONCILE_INTERVAL_SEC", "300")
	interval, err := strconv.ParseInt(intervalStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid RECONCILE_INTERVAL_SEC: %w", err)
	}
	cfg.ReconcileIntervalSec = interval

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
