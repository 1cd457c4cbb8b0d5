package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config represents application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Telegram   TelegramConfig
	PriceFeed  PriceFeedConfig
	Gateway    GatewayConfig
	Monitor    MonitorConfig
	Logging    LoggingConfig
}

// ServerConfig represents webhook API server parameters
type ServerConfig struct {
	Port        int      `envconfig:"SERVER_PORT" default:"8080"`
	HealthPort  int      `envconfig:"HEALTH_PORT" default:"8081"`
	BaseURL     string   `envconfig:"SERVER_BASE_URL" default:"http://localhost:8080"`
	CORSOrigins []string `envconfig:"SERVER_CORS_ORIGINS" default:"http://localhost:3000"`
}

// DatabaseConfig represents database connection parameters
type DatabaseConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"tradepulse"`
	User     string `envconfig:"DB_USER" required:"true"`
	Password string `envconfig:"DB_PASSWORD" required:"true"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
}

// RedisConfig represents redis connection for distributed key locks
type RedisConfig struct {
	Enabled  bool   `envconfig:"REDIS_ENABLED" default:"false"`
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" required:"false"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// ClickHouseConfig represents the audit event sink connection
type ClickHouseConfig struct {
	Enabled  bool   `envconfig:"CLICKHOUSE_ENABLED" default:"false"`
	Host     string `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Port     int    `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	Name     string `envconfig:"CLICKHOUSE_DB" default:"tradepulse_events"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD" required:"false"`
}

// TelegramConfig represents outbound notification parameters
type TelegramConfig struct {
	BotToken      string `envconfig:"TELEGRAM_BOT_TOKEN" required:"false"`
	AlertOnTrades bool   `envconfig:"TELEGRAM_ALERT_ON_TRADES" default:"true"`
}

// PriceFeedConfig represents live price source parameters
type PriceFeedConfig struct {
	StreamEnabled bool          `envconfig:"PRICEFEED_STREAM_ENABLED" default:"true"`
	PollInterval  time.Duration `envconfig:"PRICEFEED_POLL_INTERVAL" default:"30s"`
	CacheTTL      time.Duration `envconfig:"PRICEFEED_CACHE_TTL" default:"5m"`
}

// GatewayConfig represents signal ingestion parameters
type GatewayConfig struct {
	ApplyTimeout  time.Duration `envconfig:"GATEWAY_APPLY_TIMEOUT" default:"5s"`
	RetryInterval time.Duration `envconfig:"GATEWAY_RETRY_INTERVAL" default:"30s"`
	RetryBatch    int           `envconfig:"GATEWAY_RETRY_BATCH" default:"100"`
}

// MonitorConfig represents trailing stop and trigger evaluation cadence
type MonitorConfig struct {
	TrailingInterval time.Duration `envconfig:"MONITOR_TRAILING_INTERVAL" default:"10s"`
	TriggerInterval  time.Duration `envconfig:"MONITOR_TRIGGER_INTERVAL" default:"15s"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	File  string `envconfig:"LOG_FILE" required:"false"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	if c.Gateway.ApplyTimeout <= 0 {
		return fmt.Errorf("gateway apply timeout must be positive")
	}
	if c.Gateway.RetryBatch < 1 {
		return fmt.Errorf("gateway retry batch must be at least 1")
	}
	if c.Monitor.TrailingInterval <= 0 || c.Monitor.TriggerInterval <= 0 {
		return fmt.Errorf("monitor intervals must be positive")
	}
	return nil
}

// GetDSN returns PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}
