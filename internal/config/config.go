package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                     string
	DatabaseURL              string
	SeedPath                 string
	DefaultTimezone          string
	ClaimRetryLimit          int
	RelayPollInterval        time.Duration
	RelayBatchSize           int
	ReportCron               string
	AnomalyWaitThreshold     time.Duration
	RateLimitPerMinute       int
	RateLimitBurst           int
	BranchRateLimitPerMinute int
	BranchRateLimitBurst     int
	TrustGatewayIdentity     bool
	TraceEndpoint            string
	TraceInsecure            bool
	TraceSampleRatio         float64
}

// Load reads the environment, after merging a .env file from the working
// directory when one exists.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: .env ignored: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	reportCron := os.Getenv("REPORT_CRON")
	if reportCron == "" {
		reportCron = "0 22 * * *"
	}

	return Config{
		Port:                     port,
		DatabaseURL:              os.Getenv("DB_DSN"),
		SeedPath:                 os.Getenv("SEED_PATH"),
		DefaultTimezone:          readString("DEFAULT_TIMEZONE", "UTC"),
		ClaimRetryLimit:          readInt("CLAIM_RETRY_LIMIT", 3),
		RelayPollInterval:        readDurationMillis("RELAY_POLL_INTERVAL_MS", 1000),
		RelayBatchSize:           readInt("RELAY_BATCH_SIZE", 100),
		ReportCron:               reportCron,
		AnomalyWaitThreshold:     readDurationSeconds("ANOMALY_WAIT_THRESHOLD_SECONDS", 1800),
		RateLimitPerMinute:       readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:           readInt("RATE_LIMIT_BURST", 30),
		BranchRateLimitPerMinute: readInt("BRANCH_RATE_LIMIT_PER_MIN", 600),
		BranchRateLimitBurst:     readInt("BRANCH_RATE_LIMIT_BURST", 120),
		TrustGatewayIdentity:     readBool("TRUST_GATEWAY_IDENTITY", true),
		TraceEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceInsecure:            readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSampleRatio:         readFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
	}
}

// Location resolves DefaultTimezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		log.Printf("config: unknown DEFAULT_TIMEZONE=%q, using UTC", c.DefaultTimezone)
		return time.UTC
	}
	return loc
}

func readString(key, fallback string) string {
	if raw := os.Getenv(key); raw != "" {
		return raw
	}
	return fallback
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMillis(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
