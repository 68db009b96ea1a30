// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// NATS settings
	NATSURL   string
	NATSToken string

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// Messaging provider
	ProviderVerifyToken string
	ProviderSendURL     string
	ProviderAPIKey      string
	ProviderTimeout     time.Duration

	// Inventory/ERP backend
	ERPBaseURL string
	ERPAPIKey  string
	ERPTimeout time.Duration

	// LLM settings
	OpenAIAPIKey    string
	AnthropicAPIKey string
	LLMModel        string
	MaxToolRounds   int

	// Persistence (empty path selects the in-memory store)
	DatabasePath string

	// Queue and workers
	WorkerCount    int
	QueueLease     time.Duration
	JobMaxAttempts int
	JobBackoffBase time.Duration
	JobBackoffCap  time.Duration

	// Outbound message retries
	MessageRetryCeiling int
	MessageBackoffBase  time.Duration
	MessageBackoffCap   time.Duration

	// Rate limiting, per route class
	RateLimitGeneral       int
	RateLimitGeneralWindow time.Duration
	RateLimitAuth          int
	RateLimitAuthWindow    time.Duration
	RateLimitWebhook       int
	RateLimitWebhookWindow time.Duration

	// Sweepers
	RetrySweepInterval   time.Duration
	ReapInterval         time.Duration
	SessionIdleThreshold time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from the environment. A .env file in the
// working directory is honored when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// NATS
		NATSURL:   getEnv("NATS_URL", "nats://localhost:4222"),
		NATSToken: getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),

		// Provider
		ProviderVerifyToken: getEnv("PROVIDER_VERIFY_TOKEN", ""),
		ProviderSendURL:     getEnv("PROVIDER_SEND_URL", ""),
		ProviderAPIKey:      getEnv("PROVIDER_API_KEY", ""),
		ProviderTimeout:     getDurationEnv("PROVIDER_TIMEOUT", 15*time.Second),

		// ERP
		ERPBaseURL: getEnv("ERP_BASE_URL", ""),
		ERPAPIKey:  getEnv("ERP_API_KEY", ""),
		ERPTimeout: getDurationEnv("ERP_TIMEOUT", 20*time.Second),

		// LLM
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		LLMModel:        getEnv("LLM_MODEL", "gpt-4o"),
		MaxToolRounds:   getIntEnv("MAX_TOOL_ROUNDS", 5),

		// Persistence
		DatabasePath: getEnv("DATABASE_PATH", ""),

		// Queue
		WorkerCount:    getIntEnv("WORKER_COUNT", 8),
		QueueLease:     getDurationEnv("QUEUE_LEASE", 2*time.Minute),
		JobMaxAttempts: getIntEnv("JOB_MAX_ATTEMPTS", 5),
		JobBackoffBase: getDurationEnv("JOB_BACKOFF_BASE", 2*time.Second),
		JobBackoffCap:  getDurationEnv("JOB_BACKOFF_CAP", 5*time.Minute),

		// Message retries
		MessageRetryCeiling: getIntEnv("MESSAGE_RETRY_CEILING", 5),
		MessageBackoffBase:  getDurationEnv("MESSAGE_BACKOFF_BASE", 30*time.Second),
		MessageBackoffCap:   getDurationEnv("MESSAGE_BACKOFF_CAP", time.Hour),

		// Rate limiting. Webhook limits stay generous so legitimate
		// provider retries are never dropped.
		RateLimitGeneral:       getIntEnv("RATE_LIMIT_GENERAL", 60),
		RateLimitGeneralWindow: getDurationEnv("RATE_LIMIT_GENERAL_WINDOW", time.Minute),
		RateLimitAuth:          getIntEnv("RATE_LIMIT_AUTH", 10),
		RateLimitAuthWindow:    getDurationEnv("RATE_LIMIT_AUTH_WINDOW", time.Minute),
		RateLimitWebhook:       getIntEnv("RATE_LIMIT_WEBHOOK", 600),
		RateLimitWebhookWindow: getDurationEnv("RATE_LIMIT_WEBHOOK_WINDOW", time.Minute),

		// Sweepers
		RetrySweepInterval:   getDurationEnv("RETRY_SWEEP_INTERVAL", 30*time.Second),
		ReapInterval:         getDurationEnv("REAP_INTERVAL", 10*time.Minute),
		SessionIdleThreshold: getDurationEnv("SESSION_IDLE_THRESHOLD", time.Hour),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
