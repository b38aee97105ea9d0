package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Enedis      EnedisConfig
	Broker      BrokerConfig
	HTTP        HTTPConfig
	Validation  ValidationConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL         string
	AutoMigrate bool
}

// RabbitMQConfig holds RabbitMQ connection and queue settings.
// An empty URL disables event publishing and the recompute consumer.
type RabbitMQConfig struct {
	URL              string
	EventsExchange   string
	SyncedRoutingKey string
	RecomputeQueue   string
	DLQQueue         string
	PrefetchCount    int
}

// EnedisConfig holds grid operator API settings
type EnedisConfig struct {
	BaseURL            string
	TokenURL           string
	ClientID           string
	ClientSecret       string
	RequestTimeout     time.Duration
	MaxAttempts        int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	SegmentPause       time.Duration
	TokenRefreshBuffer time.Duration
	TokenHistoryKeep   int
}

// BrokerConfig holds consent broker API settings
type BrokerConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PollInterval   time.Duration
	MaxPolls       int
	LookbackDays   int
}

// HTTPConfig holds HTTP entrypoint settings
type HTTPConfig struct {
	AllowOrigin     string
	ShutdownTimeout time.Duration
}

// ValidationConfig holds request validation limits
type ValidationConfig struct {
	MaxRangeDays int
}

// Enabled reports whether events are published to RabbitMQ
func (c RabbitMQConfig) Enabled() bool {
	return c.URL != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "energy-metering-gateway"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8080),
		Database: DatabaseConfig{
			URL:         getEnv("DATABASE_URL", ""),
			AutoMigrate: getEnvAsBool("DATABASE_AUTO_MIGRATE", false),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "energy-metering.gateway.events.exchange"),
			SyncedRoutingKey: getEnv("RABBITMQ_SYNCED_ROUTING_KEY", "meter.load_curve.synced"),
			RecomputeQueue:   getEnv("RABBITMQ_RECOMPUTE_QUEUE", "energy-metering.weekly-average.queue"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "energy-metering.weekly-average.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 5),
		},
		Enedis: EnedisConfig{
			BaseURL:            getEnv("ENEDIS_BASE_URL", "https://gw.ext.prod.api.enedis.fr"),
			TokenURL:           getEnv("ENEDIS_TOKEN_URL", "https://gw.ext.prod.api.enedis.fr/oauth2/v3/token"),
			ClientID:           getEnv("ENEDIS_CLIENT_ID", ""),
			ClientSecret:       getEnv("ENEDIS_CLIENT_SECRET", ""),
			RequestTimeout:     getEnvAsDuration("ENEDIS_REQUEST_TIMEOUT", 30*time.Second),
			MaxAttempts:        getEnvAsInt("ENEDIS_MAX_ATTEMPTS", 3),
			RetryBaseDelay:     getEnvAsDuration("ENEDIS_RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:      getEnvAsDuration("ENEDIS_RETRY_MAX_DELAY", 10*time.Second),
			SegmentPause:       getEnvAsDuration("ENEDIS_SEGMENT_PAUSE", 200*time.Millisecond),
			TokenRefreshBuffer: getEnvAsDuration("ENEDIS_TOKEN_REFRESH_BUFFER", time.Minute),
			TokenHistoryKeep:   getEnvAsInt("TOKEN_HISTORY_KEEP", 10),
		},
		Broker: BrokerConfig{
			BaseURL:        getEnv("BROKER_BASE_URL", ""),
			APIKey:         getEnv("BROKER_API_KEY", ""),
			RequestTimeout: getEnvAsDuration("BROKER_REQUEST_TIMEOUT", 30*time.Second),
			MaxAttempts:    getEnvAsInt("BROKER_MAX_ATTEMPTS", 3),
			RetryBaseDelay: getEnvAsDuration("BROKER_RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:  getEnvAsDuration("BROKER_RETRY_MAX_DELAY", 10*time.Second),
			PollInterval:   getEnvAsDuration("BROKER_POLL_INTERVAL", 2*time.Second),
			MaxPolls:       getEnvAsInt("BROKER_MAX_POLLS", 60),
			LookbackDays:   getEnvAsInt("BROKER_LOOKBACK_DAYS", 7),
		},
		HTTP: HTTPConfig{
			AllowOrigin:     getEnv("CORS_ALLOW_ORIGIN", "*"),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Validation: ValidationConfig{
			MaxRangeDays: getEnvAsInt("VALIDATION_MAX_RANGE_DAYS", 1095),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.Enedis.ClientID == "" || cfg.Enedis.ClientSecret == "" {
		return nil, fmt.Errorf("ENEDIS_CLIENT_ID and ENEDIS_CLIENT_SECRET are required but not set in environment variables")
	}
	if cfg.Enedis.MaxAttempts < 1 {
		cfg.Enedis.MaxAttempts = 1
	}
	if cfg.Broker.MaxPolls < 1 {
		cfg.Broker.MaxPolls = 1
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("30s") or a bare number of milliseconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	ms, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
