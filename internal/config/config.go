package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                  string
	DatabaseDriver        string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	OrderCacheTTLSeconds  int
	QueueBackend          string
	KafkaBrokers          []string
	KafkaTopic            string
	KafkaGroupID          string
	WorkerCount           int
	JobMaxRetries         int
	AuthSecret            string
	AccessTokenTTLMinutes int
	AllowedOrigin         string
	TaxRate               decimal.Decimal
	FlatShippingCost      decimal.Decimal
	InvoiceDir            string
	OtelEndpoint          string
	OtelAuthHeader        string
	LogLevel              string
	SeedDemoData          bool
}

// Load reads the environment. A .env file in the working directory, when
// present, fills variables that are not already set.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		DatabaseDriver:        strings.ToLower(getEnv("DATABASE_DRIVER", "memory")),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getInt("REDIS_DB", 0, 0),
		OrderCacheTTLSeconds:  getInt("ORDER_CACHE_TTL_SECONDS", 60, 1),
		QueueBackend:          strings.ToLower(getEnv("QUEUE_BACKEND", "memory")),
		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", "marketplace.jobs"),
		KafkaGroupID:          getEnv("KAFKA_GROUP_ID", "marketplace-workers"),
		WorkerCount:           getInt("WORKER_COUNT", 2, 1),
		JobMaxRetries:         getInt("JOB_MAX_RETRIES", 3, 0),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		TaxRate:               getDecimal("TAX_RATE", decimal.RequireFromString("0.10")),
		FlatShippingCost:      getDecimal("FLAT_SHIPPING_COST", decimal.RequireFromString("15")),
		InvoiceDir:            getEnv("INVOICE_DIR", "./var/invoices"),
		OtelEndpoint:          strings.TrimSpace(os.Getenv("OTEL_ENDPOINT")),
		OtelAuthHeader:        strings.TrimSpace(os.Getenv("OTEL_AUTH_HEADER")),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		SeedDemoData:          getEnv("SEED_DEMO_DATA", "false") == "true",
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < min {
		return fallback
	}
	return val
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	val, err := decimal.NewFromString(strings.TrimSpace(getEnv(key, fallback.String())))
	if err != nil || val.IsNegative() {
		return fallback
	}
	return val
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
