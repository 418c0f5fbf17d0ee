package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	DatabaseURL    string
	UseMemoryQueue bool

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	SlotEventsQueueURL  string

	RabbitMQURL        string
	OutboxPollInterval time.Duration

	TelnyxAPIKey             string
	TelnyxMessagingProfileID string
	TelnyxFromNumber         string

	// Optional second sender (e.g. plain SMS) used while the primary is down.
	TelnyxFallbackProfileID  string
	TelnyxFallbackFromNumber string

	// Gateway circuit breaker
	GatewayBreakerFailures int
	GatewayBreakerTimeout  time.Duration

	// Engine tuning
	SweepInterval          time.Duration
	DispatchRetryBaseDelay time.Duration
	DispatchRetryMaxDelay  time.Duration
	SlotLockTTL            time.Duration
	DefaultTimezone        string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		SlotEventsQueueURL:  getEnv("SLOT_EVENTS_QUEUE_URL", ""),

		RabbitMQURL:        getEnv("RABBITMQ_URL", ""),
		OutboxPollInterval: getEnvAsDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),

		TelnyxAPIKey:             getEnv("TELNYX_API_KEY", ""),
		TelnyxMessagingProfileID: getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),
		TelnyxFromNumber:         getEnv("TELNYX_FROM_NUMBER", ""),
		TelnyxFallbackProfileID:  getEnv("TELNYX_FALLBACK_PROFILE_ID", ""),
		TelnyxFallbackFromNumber: getEnv("TELNYX_FALLBACK_FROM_NUMBER", ""),

		GatewayBreakerFailures: getEnvAsInt("GATEWAY_BREAKER_FAILURES", 5),
		GatewayBreakerTimeout:  getEnvAsDuration("GATEWAY_BREAKER_TIMEOUT", 30*time.Second),

		SweepInterval:          getEnvAsDuration("SWEEP_INTERVAL", 30*time.Second),
		DispatchRetryBaseDelay: getEnvAsDuration("DISPATCH_RETRY_BASE_DELAY", 30*time.Second),
		DispatchRetryMaxDelay:  getEnvAsDuration("DISPATCH_RETRY_MAX_DELAY", 30*time.Minute),
		SlotLockTTL:            getEnvAsDuration("SLOT_LOCK_TTL", 10*time.Second),
		DefaultTimezone:        strings.TrimSpace(getEnv("DEFAULT_TIMEZONE", "UTC")),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
