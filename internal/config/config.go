// Package config loads the wallet daemon configuration from an optional
// YAML file with environment overrides, prefix ANT.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type AppConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Env         string `mapstructure:"env"`
	LogLevel    string `mapstructure:"log_level"`
	MetricsPath string `mapstructure:"metrics_path"`
}

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// URL renders a postgres:// connection string for pgxpool.
func (c DBConfig) URL() string {
	return "postgres://" + c.hostPart()
}

// DSN renders the connection string without a scheme; the migration
// runner prepends its own driver scheme.
func (c DBConfig) DSN() string {
	return c.hostPart()
}

func (c DBConfig) hostPart() string {
	return fmt.Sprintf("%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User), url.QueryEscape(c.Password),
		c.Host, c.Port, c.Name, c.SSLMode)
}

type KafkaTopics struct {
	DepositSettled   string
	TransferExecuted string
	DeadLetter       string
}

type KafkaConfig struct {
	Brokers []string
	Topics  KafkaTopics
}

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	SessionTTL time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

type WalletConfig struct {
	DepositAddress string
	OrderWindow    time.Duration
	USDTToCNYRate  decimal.Decimal
}

type FeedConfig struct {
	BaseURL       string
	APIKey        string
	TokenSymbol   string
	TokenDecimals int32
	Limit         int
	Timeout       time.Duration
}

type ReconcilerConfig struct {
	Interval  time.Duration
	Tolerance decimal.Decimal
}

type AllocatorConfig struct {
	OffsetMin decimal.Decimal
	OffsetMax decimal.Decimal
	Precision int32
}

type Config struct {
	App        AppConfig
	HTTP       HTTPConfig
	DB         DBConfig
	Kafka      KafkaConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Wallet     WalletConfig
	Feed       FeedConfig
	Reconciler ReconcilerConfig
	Allocator  AllocatorConfig
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	path := os.Getenv("ANT_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	rate, err := envDecimal("ANT_USDT_TO_CNY_RATE", v.GetString("wallet.usdt_to_cny_rate"))
	if err != nil {
		return nil, err
	}
	tolerance, err := envDecimal("ANT_MATCH_TOLERANCE", v.GetString("reconciler.tolerance"))
	if err != nil {
		return nil, err
	}
	offsetMin, err := envDecimal("ANT_OFFSET_MIN", v.GetString("allocator.offset_min"))
	if err != nil {
		return nil, err
	}
	offsetMax, err := envDecimal("ANT_OFFSET_MAX", v.GetString("allocator.offset_max"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: AppConfig{
			ServiceName: envString("ANT_SERVICE_NAME", v.GetString("service_name")),
			Env:         envString("ANT_ENV", v.GetString("env")),
			LogLevel:    envString("ANT_LOG_LEVEL", v.GetString("log_level")),
			MetricsPath: envString("ANT_METRICS_PATH", v.GetString("metrics_path")),
		},
		HTTP: HTTPConfig{
			Host:         envString("ANT_HTTP_HOST", v.GetString("http.host")),
			Port:         envInt("ANT_HTTP_PORT", v.GetInt("http.port")),
			ReadTimeout:  envDuration("ANT_HTTP_READ_TIMEOUT", v.GetDuration("http.read_timeout")),
			WriteTimeout: envDuration("ANT_HTTP_WRITE_TIMEOUT", v.GetDuration("http.write_timeout")),
			IdleTimeout:  envDuration("ANT_HTTP_IDLE_TIMEOUT", v.GetDuration("http.idle_timeout")),
		},
		DB: DBConfig{
			Host:     envString("ANT_POSTGRES_HOST", "localhost"),
			Port:     envInt("ANT_POSTGRES_PORT", 5432),
			Name:     envString("ANT_POSTGRES_DB", "antwallet"),
			User:     envString("ANT_POSTGRES_USER", "antwallet"),
			Password: envString("ANT_POSTGRES_PASSWORD", "antwallet"),
			SSLMode:  envString("ANT_POSTGRES_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers: envCSV("ANT_KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			Topics: KafkaTopics{
				DepositSettled:   envString("ANT_KAFKA_DEPOSIT_SETTLED_TOPIC", v.GetString("kafka.topics.deposit_settled")),
				TransferExecuted: envString("ANT_KAFKA_TRANSFER_EXECUTED_TOPIC", v.GetString("kafka.topics.transfer_executed")),
				DeadLetter:       envString("ANT_KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Redis: RedisConfig{
			Addr:       envString("ANT_REDIS_ADDR", v.GetString("redis.addr")),
			Password:   envString("ANT_REDIS_PASSWORD", v.GetString("redis.password")),
			DB:         envInt("ANT_REDIS_DB", v.GetInt("redis.db")),
			SessionTTL: envDuration("ANT_SESSION_TTL", v.GetDuration("redis.session_ttl")),
		},
		Auth: AuthConfig{
			JWTSecret: envString("ANT_JWT_SECRET", v.GetString("auth.jwt_secret")),
		},
		Wallet: WalletConfig{
			DepositAddress: envString("ANT_DEPOSIT_ADDRESS", v.GetString("wallet.deposit_address")),
			OrderWindow:    envDuration("ANT_ORDER_WINDOW", v.GetDuration("wallet.order_window")),
			USDTToCNYRate:  rate,
		},
		Feed: FeedConfig{
			BaseURL:       envString("ANT_FEED_BASE_URL", v.GetString("feed.base_url")),
			APIKey:        envString("ANT_FEED_API_KEY", v.GetString("feed.api_key")),
			TokenSymbol:   envString("ANT_FEED_TOKEN_SYMBOL", v.GetString("feed.token_symbol")),
			TokenDecimals: int32(envInt("ANT_FEED_TOKEN_DECIMALS", v.GetInt("feed.token_decimals"))),
			Limit:         envInt("ANT_FEED_LIMIT", v.GetInt("feed.limit")),
			Timeout:       envDuration("ANT_FEED_TIMEOUT", v.GetDuration("feed.timeout")),
		},
		Reconciler: ReconcilerConfig{
			Interval:  envDuration("ANT_POLL_INTERVAL", v.GetDuration("reconciler.interval")),
			Tolerance: tolerance,
		},
		Allocator: AllocatorConfig{
			OffsetMin: offsetMin,
			OffsetMax: offsetMax,
			Precision: int32(envInt("ANT_OFFSET_PRECISION", v.GetInt("allocator.precision"))),
		},
	}

	if cfg.HTTP.Port <= 0 {
		return nil, fmt.Errorf("ANT_HTTP_PORT must be positive")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.Topics.DepositSettled == "" || cfg.Kafka.Topics.TransferExecuted == "" {
		return nil, fmt.Errorf("kafka event topics required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("ANT_JWT_SECRET required")
	}
	if cfg.Wallet.DepositAddress == "" {
		return nil, fmt.Errorf("ANT_DEPOSIT_ADDRESS required")
	}
	if cfg.Reconciler.Interval <= 0 {
		return nil, fmt.Errorf("ANT_POLL_INTERVAL must be positive")
	}
	if cfg.Wallet.USDTToCNYRate.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("ANT_USDT_TO_CNY_RATE must be positive")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "walletd")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topics.deposit_settled", "wallet.deposit.settled")
	v.SetDefault("kafka.topics.transfer_executed", "wallet.transfer.executed")
	v.SetDefault("kafka.topics.dead_letter", "wallet.dlq")
	v.SetDefault("redis.session_ttl", "15m")
	v.SetDefault("wallet.order_window", "30m")
	v.SetDefault("wallet.usdt_to_cny_rate", "7")
	v.SetDefault("feed.base_url", "https://api.trongrid.io")
	v.SetDefault("feed.token_symbol", "USDT")
	v.SetDefault("feed.token_decimals", 6)
	v.SetDefault("feed.limit", 100)
	v.SetDefault("feed.timeout", "10s")
	v.SetDefault("reconciler.interval", "15s")
	v.SetDefault("reconciler.tolerance", "0.001")
	v.SetDefault("allocator.offset_min", "0.01")
	v.SetDefault("allocator.offset_max", "0.99")
	v.SetDefault("allocator.precision", 2)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

func envDecimal(key, def string) (decimal.Decimal, error) {
	raw := envString(key, def)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: invalid decimal %q", key, raw)
	}
	return d, nil
}
