package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	// Inbound auth: comma-separated relay API keys accepted from callers,
	// plus a bcrypt hash gating the admin surface.
	RelayAPIKeys string
	AdminKeyHash string

	// Per-client-key requests per minute.
	RateLimitRPM int

	// Credential store backends. Postgres wins when both are set.
	DatabaseURL   string
	RedisURL      string
	AccountsFile  string
	EncryptionKey string

	// Upstream endpoints.
	APIBaseURL string
	WebBaseURL string

	// Tool-call emulation.
	MaxToolSessions  int
	ToolCallTimeout  time.Duration
	SessionIdleLimit time.Duration

	// Health tracking.
	QuotaWindow   time.Duration
	SweepInterval time.Duration

	// Web path behavior.
	PreserveChats bool

	// Observability and notifications.
	OTLPEndpoint string
	AWSRegion    string
	SNSTopicARN  string
	// Name of a Secrets Manager secret holding DATABASE_URL and
	// ENCRYPTION_KEY; overrides the plain env vars when set.
	SecretsName string

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:             getEnv("ADDR", ":8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		RelayAPIKeys:     getEnv("RELAY_API_KEYS", ""),
		AdminKeyHash:     getEnv("ADMIN_KEY_HASH", ""),
		RateLimitRPM:     getIntEnv("RATE_LIMIT_RPM", 60),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisURL:         getEnv("REDIS_URL", ""),
		AccountsFile:     getEnv("ACCOUNTS_FILE", ""),
		EncryptionKey:    getEnv("ENCRYPTION_KEY", ""),
		APIBaseURL:       getEnv("API_BASE_URL", "https://api.anthropic.com/v1"),
		WebBaseURL:       getEnv("WEB_BASE_URL", "https://claude.ai"),
		MaxToolSessions:  getIntEnv("MAX_TOOL_SESSIONS", 10),
		ToolCallTimeout:  getDurationEnv("TOOL_CALL_TIMEOUT", 5*time.Minute),
		SessionIdleLimit: getDurationEnv("SESSION_IDLE_LIMIT", 10*time.Minute),
		QuotaWindow:      getDurationEnv("QUOTA_WINDOW", time.Hour),
		SweepInterval:    getDurationEnv("SWEEP_INTERVAL", 30*time.Second),
		PreserveChats:    getEnv("PRESERVE_CHATS", "false") == "true",
		OTLPEndpoint:     getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:        getEnv("AWS_REGION", ""),
		SNSTopicARN:      getEnv("SNS_TOPIC_ARN", ""),
		SecretsName:      getEnv("SECRETS_NAME", ""),
		ShutdownTimeout:  getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
