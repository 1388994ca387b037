package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Stripe   StripeConfig
	Auth     AuthConfig
	Escrow   EscrowConfig
	Workflow WorkflowConfig
	Payment  PaymentConfig
	Notify   NotifyConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	AutoMigrate  bool
}

type RedisConfig struct {
	Addr    string
	Enabled bool
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
	Enabled bool
	Topics  TopicConfig
}

type TopicConfig struct {
	DealEvents    string
	PaymentEvents string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
}

type AuthConfig struct {
	OIDCIssuer string
	// DevSecret enables HS256 tokens when no issuer is configured.
	DevSecret string
	// Operators may resolve disputes and manage stuck workflows.
	Operators []string
}

type EscrowConfig struct {
	// HoldBusinessDays is used unless HoldPeriod is set.
	HoldBusinessDays int
	HoldPeriod       time.Duration
	DisputeWindow    time.Duration
}

type WorkflowConfig struct {
	TickInterval    time.Duration
	MaxStepAttempts int
	RetryBase       time.Duration
	Lease           time.Duration
	Concurrency     int
}

type PaymentConfig struct {
	RetryWindow time.Duration
}

type NotifyConfig struct {
	RelayInterval time.Duration
	SSEHeartbeat  time.Duration
}

type LoggingConfig struct {
	Dir   string
	Debug bool
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8084"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:          getEnv("POSTGRES_DSN", ""),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
			AutoMigrate:  getEnvBool("MIGRATIONS_AUTO", true),
		},
		Redis: RedisConfig{
			Addr:    getEnv("REDIS_ADDR", "localhost:6379"),
			Enabled: getEnvBool("REDIS_ENABLED", true),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			GroupID: getEnv("KAFKA_GROUP_ID", "dealroom-service"),
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				DealEvents:    getEnv("KAFKA_TOPIC_DEAL_EVENTS", "marketplace.deal.events"),
				PaymentEvents: getEnv("KAFKA_TOPIC_PAYMENT_EVENTS", "marketplace.payment.events"),
			},
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			Currency:      getEnv("STRIPE_CURRENCY", "usd"),
		},
		Auth: AuthConfig{
			OIDCIssuer: getEnv("OIDC_ISSUER", ""),
			DevSecret:  getEnv("AUTH_DEV_SECRET", ""),
			Operators:  getEnvList("AUTH_OPERATORS", nil),
		},
		Escrow: EscrowConfig{
			HoldBusinessDays: getEnvInt("ESCROW_HOLD_BUSINESS_DAYS", 3),
			HoldPeriod:       getEnvDuration("ESCROW_HOLD_PERIOD", 0),
			DisputeWindow:    getEnvDuration("ESCROW_DISPUTE_WINDOW", 72*time.Hour),
		},
		Workflow: WorkflowConfig{
			TickInterval:    getEnvDuration("WORKFLOW_TICK_INTERVAL", 5*time.Second),
			MaxStepAttempts: getEnvInt("WORKFLOW_MAX_STEP_ATTEMPTS", 5),
			RetryBase:       getEnvDuration("WORKFLOW_RETRY_BASE", 2*time.Second),
			Lease:           getEnvDuration("WORKFLOW_LEASE", 5*time.Minute),
			Concurrency:     getEnvInt("WORKFLOW_CONCURRENCY", 8),
		},
		Payment: PaymentConfig{
			RetryWindow: getEnvDuration("PAYMENT_RETRY_WINDOW", 48*time.Hour),
		},
		Notify: NotifyConfig{
			RelayInterval: getEnvDuration("NOTIFY_RELAY_INTERVAL", time.Second),
			SSEHeartbeat:  getEnvDuration("SSE_HEARTBEAT", 15*time.Second),
		},
		Logging: LoggingConfig{
			Dir:   getEnv("LOG_DIR", "logs"),
			Debug: getEnvBool("LOG_DEBUG", false),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
