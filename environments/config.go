package environments

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Mailbox MailboxConfig
	Courier CourierConfig
	Retry   RetryConfig
	Message MessageConfig
	Webhook WebhookConfig
	Cache   CacheConfig
	Alert   AlertConfig
	Auth    AuthConfig
}

type ServerConfig struct {
	Port string
}

type MailboxConfig struct {
	Dir       string
	Providers []string
}

type CourierConfig struct {
	PollInterval time.Duration
	SendTimeout  time.Duration
}

type RetryConfig struct {
	MaxRetries        int
	BackoffBaseMS     int
	BackoffMultiplier float64
	BackoffMaxMS      int
}

type MessageConfig struct {
	MaxMessageBytes int
	MaxAttachments  int
}

type WebhookConfig struct {
	URL     string
	AuthKey string
	Timeout time.Duration
}

type CacheConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type AlertConfig struct {
	WebhookURL     string
	IterationCount int
}

type AuthConfig struct {
	MessagesAPIKey string
	CourierAPIKey  string
}

func Load() *Config {
	// Optional; real deployments set the environment directly.
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port: GetEnv("SERVER_PORT", "8080"),
		},
		Mailbox: MailboxConfig{
			Dir:       GetEnv("MAILBOX_DIR", "mailbox"),
			Providers: splitProviders(GetEnv("MAILBOX_PROVIDERS", "telegram,slack,email")),
		},
		Courier: CourierConfig{
			PollInterval: time.Duration(GetEnvAsInt("POLL_INTERVAL_SECONDS", 30)) * time.Second,
			SendTimeout:  time.Duration(GetEnvAsInt("SEND_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:        GetEnvAsInt("MAX_RETRIES", 3),
			BackoffBaseMS:     GetEnvAsInt("RETRY_BACKOFF_BASE_MS", 1000),
			BackoffMultiplier: GetEnvAsFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
			BackoffMaxMS:      GetEnvAsInt("RETRY_BACKOFF_MAX_MS", 30000),
		},
		Message: MessageConfig{
			MaxMessageBytes: GetEnvAsInt("MESSAGE_MAX_BYTES", 256*1024),
			MaxAttachments:  GetEnvAsInt("MESSAGE_MAX_ATTACHMENTS", 10),
		},
		Webhook: WebhookConfig{
			URL:     GetEnv("WEBHOOK_URL", ""),
			AuthKey: GetEnv("WEBHOOK_AUTH_KEY", ""),
			Timeout: time.Duration(GetEnvAsInt("WEBHOOK_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Cache: CacheConfig{
			Host:     GetEnv("CACHE_HOST", "localhost"),
			Port:     GetEnv("CACHE_PORT", "6379"),
			Password: GetEnv("CACHE_PASSWORD", ""),
			DB:       GetEnvAsInt("CACHE_DB", 0),
		},
		Alert: AlertConfig{
			WebhookURL:     GetEnv("ALERT_WEBHOOK_URL", ""),
			IterationCount: GetEnvAsInt("ALERT_ITERATION_COUNT", 0),
		},
		Auth: AuthConfig{
			MessagesAPIKey: GetEnv("MESSAGES_API_KEY", ""),
			CourierAPIKey:  GetEnv("COURIER_API_KEY", ""),
		},
	}
}

func splitProviders(raw string) []string {
	var providers []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			providers = append(providers, p)
		}
	}
	return providers
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
