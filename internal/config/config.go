package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis           RedisConfig
	RateLimit       RateLimitConfig
	Webhook         WebhookConfig
	BillingProvider BillingProviderConfig
	Operation       OperationConfig
	Scheduler       SchedulerConfig
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// RateLimitConfig selects the limiter store. Per-endpoint rules live in the
// ratelimit package.
type RateLimitConfig struct {
	Backend   string
	KeyPrefix string
}

type WebhookConfig struct {
	Secret          string
	SignatureHeader string
	Provider        string
}

type BillingProviderConfig struct {
	BaseURL    string
	APIKey     string
	StoreID    string
	SuccessURL string
	CancelURL  string
	Timeout    time.Duration
}

type OperationConfig struct {
	MaxAmount            int64
	LargeAmount          int64
	NewAccountAge        time.Duration
	VelocityWindow       time.Duration
	VelocityLimit        int
	FailureLimit         int
	BlockOnHighRisk      bool
	DeductMaxAttempts    int
	GrantMaxAttempts     int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	AllowedCreditSources []string
}

type SchedulerConfig struct {
	Enabled         bool
	RunInterval     time.Duration
	SweepInterval   time.Duration
	RefillBatchSize int
	EnabledJobs     []string
}

const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "creditguard"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  environment,
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "creditguard"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		RateLimit: RateLimitConfig{
			Backend:   normalizeBackend(getenv("RATE_LIMIT_BACKEND", RateLimitBackendMemory)),
			KeyPrefix: getenv("RATE_LIMIT_KEY_PREFIX", "creditguard:rl"),
		},
		Webhook: WebhookConfig{
			Secret:          strings.TrimSpace(getenv("BILLING_WEBHOOK_SECRET", "")),
			SignatureHeader: getenv("BILLING_WEBHOOK_SIGNATURE_HEADER", "X-Signature"),
			Provider:        getenv("BILLING_PROVIDER", "lemonsqueezy"),
		},
		BillingProvider: BillingProviderConfig{
			BaseURL:    strings.TrimRight(getenv("BILLING_API_BASE_URL", "https://api.lemonsqueezy.com/v1"), "/"),
			APIKey:     strings.TrimSpace(getenv("BILLING_API_KEY", "")),
			StoreID:    strings.TrimSpace(getenv("BILLING_STORE_ID", "")),
			SuccessURL: getenv("BILLING_CHECKOUT_SUCCESS_URL", ""),
			CancelURL:  getenv("BILLING_CHECKOUT_CANCEL_URL", ""),
			Timeout:    getenvDuration("BILLING_API_TIMEOUT", 10*time.Second),
		},
		Operation: OperationConfig{
			MaxAmount:            getenvInt64("OPERATION_MAX_AMOUNT", 10_000),
			LargeAmount:          getenvInt64("OPERATION_LARGE_AMOUNT", 1_000),
			NewAccountAge:        getenvDuration("OPERATION_NEW_ACCOUNT_AGE", 24*time.Hour),
			VelocityWindow:       getenvDuration("OPERATION_VELOCITY_WINDOW", time.Minute),
			VelocityLimit:        int(getenvInt64("OPERATION_VELOCITY_LIMIT", 60)),
			FailureLimit:         int(getenvInt64("OPERATION_FAILURE_LIMIT", 10)),
			BlockOnHighRisk:      getenvBool("OPERATION_BLOCK_ON_HIGH_RISK", false),
			DeductMaxAttempts:    int(getenvInt64("OPERATION_DEDUCT_MAX_ATTEMPTS", 3)),
			GrantMaxAttempts:     int(getenvInt64("OPERATION_GRANT_MAX_ATTEMPTS", 5)),
			BackoffBase:          getenvDuration("OPERATION_BACKOFF_BASE", 100*time.Millisecond),
			BackoffMax:           getenvDuration("OPERATION_BACKOFF_MAX", 2*time.Second),
			AllowedCreditSources: splitList(getenv("OPERATION_CREDIT_SOURCES", "")),
		},
		Scheduler: SchedulerConfig{
			Enabled:         getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:     getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			SweepInterval:   getenvDuration("SCHEDULER_SWEEP_INTERVAL", time.Hour),
			RefillBatchSize: int(getenvInt64("SCHEDULER_REFILL_BATCH_SIZE", 100)),
			EnabledJobs:     splitList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func normalizeBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case RateLimitBackendRedis:
		return RateLimitBackendRedis
	default:
		return RateLimitBackendMemory
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
