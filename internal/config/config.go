package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	MongoDB   MongoDBConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Gateway   GatewayConfig
	Payments  PaymentsConfig
	Sweep     SweepConfig
	Events    EventsConfig
	Telemetry TelemetryConfig
	LogLevel  string
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port            string
	AllowedHosts    []string
	ShutdownTimeout time.Duration
}

// StoreConfig selects the ledger backend: mongodb, postgres or memory
type StoreConfig struct {
	Driver string
}

// MongoDBConfig holds MongoDB-specific configuration
type MongoDBConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// PostgresConfig holds PostgreSQL-specific configuration
type PostgresConfig struct {
	URL     string
	Migrate bool
}

// RedisConfig holds the Idempotency-Key store configuration. An empty Addr disables it.
type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	IdempotencyTTL time.Duration
}

// JWTConfig holds JWT-specific configuration
type JWTConfig struct {
	Secret    string
	Issuer    string
	ExpiresIn int
}

// GatewayConfig holds payment processor configuration
type GatewayConfig struct {
	BaseURL        string
	AppID          string
	AppKey         string
	ReturnURL      string
	WebhookAuthKey string
	Timeout        time.Duration
	MockAPI        bool
	MockStatus     string
}

// PaymentsConfig holds payment flow rules
type PaymentsConfig struct {
	Currency                  string
	MinorUnits                int // decimal places an amount may carry
	MaxAmount                 int64
	RequireRegisteredPayer    bool
	VerifyUnconfirmedWebhooks bool
}

// SweepConfig holds background reconciliation configuration
type SweepConfig struct {
	Enabled     bool
	Interval    time.Duration
	StaleAfter  time.Duration
	ExpireAfter time.Duration
	BatchSize   int
}

// EventsConfig selects where state changes are published: kafka, nats or none
type EventsConfig struct {
	Driver       string
	KafkaBrokers []string
	KafkaTopic   string
	NATSURL      string
	NATSSubject  string
}

// TelemetryConfig holds tracing configuration
type TelemetryConfig struct {
	ServiceName  string
	OTLPEndpoint string
	Development  bool
}

// Load loads configuration from ./config.yaml, ./config/config.yaml and the environment
func Load() (*Config, error) {
	return LoadConfig("")
}

// LoadConfig loads configuration, looking for config.yaml in path first when given
func LoadConfig(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file is not found, we'll use environment variables
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects combinations the service cannot start with
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "mongodb", "postgres", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Events.Driver {
	case "kafka", "nats", "none", "":
	default:
		return fmt.Errorf("unknown events driver %q", c.Events.Driver)
	}
	if c.Store.Driver == "postgres" && c.Postgres.URL == "" {
		return errors.New("postgres store selected but Postgres.URL is empty")
	}
	if !c.Gateway.MockAPI && (c.Gateway.AppID == "" || c.Gateway.AppKey == "") {
		return errors.New("Gateway.AppID and Gateway.AppKey are required unless Gateway.MockAPI is set")
	}
	if c.Payments.Currency == "" {
		return errors.New("Payments.Currency is required")
	}
	// the Postgres schema stores NUMERIC(18,2)
	if c.Payments.MinorUnits < 0 || c.Payments.MinorUnits > 2 {
		return fmt.Errorf("Payments.MinorUnits must be between 0 and 2, got %d", c.Payments.MinorUnits)
	}
	if c.Payments.MaxAmount < 0 || c.Payments.MaxAmount > 1_000_000_000 {
		return fmt.Errorf("Payments.MaxAmount must be between 0 and 1000000000, got %d", c.Payments.MaxAmount)
	}
	return nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("Server.Port", "4000")
	v.SetDefault("Server.AllowedHosts", []string{"*"})
	v.SetDefault("Server.ShutdownTimeout", 15*time.Second)
	v.SetDefault("Store.Driver", "mongodb")
	v.SetDefault("MongoDB.URI", "mongodb://localhost:27017")
	v.SetDefault("MongoDB.Database", "skillshub")
	v.SetDefault("MongoDB.ConnectTimeout", 10*time.Second)
	v.SetDefault("Postgres.URL", "")
	v.SetDefault("Postgres.Migrate", true)
	v.SetDefault("Redis.Addr", "")
	v.SetDefault("Redis.Password", "")
	v.SetDefault("Redis.DB", 0)
	v.SetDefault("Redis.IdempotencyTTL", 24*time.Hour)
	v.SetDefault("JWT.Secret", "")
	v.SetDefault("JWT.Issuer", "skillshub")
	v.SetDefault("JWT.ExpiresIn", 24*60*60) // 24 hours
	v.SetDefault("Gateway.BaseURL", "https://sandbox.dsapi.tranzak.me")
	v.SetDefault("Gateway.AppID", "")
	v.SetDefault("Gateway.AppKey", "")
	v.SetDefault("Gateway.ReturnURL", "")
	v.SetDefault("Gateway.WebhookAuthKey", "")
	v.SetDefault("Gateway.Timeout", 15*time.Second)
	v.SetDefault("Gateway.MockAPI", true)
	v.SetDefault("Gateway.MockStatus", "SUCCEEDED")
	v.SetDefault("Payments.Currency", "XAF")
	v.SetDefault("Payments.MinorUnits", 0)
	v.SetDefault("Payments.MaxAmount", 5_000_000)
	v.SetDefault("Payments.RequireRegisteredPayer", true)
	v.SetDefault("Payments.VerifyUnconfirmedWebhooks", true)
	v.SetDefault("Sweep.Enabled", true)
	v.SetDefault("Sweep.Interval", time.Minute)
	v.SetDefault("Sweep.StaleAfter", 5*time.Minute)
	v.SetDefault("Sweep.ExpireAfter", 24*time.Hour)
	v.SetDefault("Sweep.BatchSize", 100)
	v.SetDefault("Events.Driver", "none")
	v.SetDefault("Events.KafkaBrokers", []string{"localhost:9092"})
	v.SetDefault("Events.KafkaTopic", "payment.state.changed")
	v.SetDefault("Events.NATSURL", "nats://localhost:4222")
	v.SetDefault("Events.NATSSubject", "payment.state.changed")
	v.SetDefault("Telemetry.ServiceName", "skillshub-payments")
	v.SetDefault("Telemetry.OTLPEndpoint", "")
	v.SetDefault("Telemetry.Development", false)
	v.SetDefault("LogLevel", "info")
}
