package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port                  string  `mapstructure:"PORT"`
	Env                   string  `mapstructure:"ENV"`
	StoreDriver           string  `mapstructure:"STORE_DRIVER"`
	DatabaseURL           string  `mapstructure:"DB_DSN"`
	DBMaxConns            int32   `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32   `mapstructure:"DB_MIN_CONNS"`
	JWTSecret             string  `mapstructure:"JWT_SECRET"`
	TokenTTLMinutes       int     `mapstructure:"TOKEN_TTL_MINUTES"`
	ServiceMinutes        int     `mapstructure:"SERVICE_MINUTES"`
	DefaultMaxPatients    int     `mapstructure:"DEFAULT_MAX_PATIENTS"`
	NearTurnWindow        int     `mapstructure:"NEAR_TURN_WINDOW"`
	Timezone              string  `mapstructure:"TIMEZONE"`
	QueuePageLimit        int     `mapstructure:"QUEUE_PAGE_LIMIT"`
	RateLimitPerMinute    int     `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst        int     `mapstructure:"RATE_LIMIT_BURST"`
	JoinRateLimitPerMin   int     `mapstructure:"JOIN_RATE_LIMIT_PER_MIN"`
	JoinRateLimitBurst    int     `mapstructure:"JOIN_RATE_LIMIT_BURST"`
	ClientBuffer          int     `mapstructure:"CLIENT_BUFFER"`
	AlertProvider         string  `mapstructure:"ALERT_PROVIDER"`
	AlertWebhookURL       string  `mapstructure:"ALERT_WEBHOOK_URL"`
	AlertWebhookToken     string  `mapstructure:"ALERT_WEBHOOK_TOKEN"`
	AlertBuffer           int     `mapstructure:"ALERT_BUFFER"`
	PositionResyncSeconds int     `mapstructure:"POSITION_RESYNC_SECONDS"`
	SeedFile              string  `mapstructure:"SEED_FILE"`
	OTLPEndpoint          string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure          bool    `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	TraceSampleRatio      float64 `mapstructure:"OTEL_TRACES_SAMPLE_RATIO"`
	ServiceVersion        string  `mapstructure:"SERVICE_VERSION"`
	TrustProxyHeaders     bool    `mapstructure:"TRUST_PROXY_HEADERS"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DB_DSN", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"JWT_SECRET", "TOKEN_TTL_MINUTES", "SERVICE_MINUTES", "DEFAULT_MAX_PATIENTS",
	"NEAR_TURN_WINDOW", "TIMEZONE", "QUEUE_PAGE_LIMIT",
	"RATE_LIMIT_PER_MIN", "RATE_LIMIT_BURST", "JOIN_RATE_LIMIT_PER_MIN", "JOIN_RATE_LIMIT_BURST",
	"CLIENT_BUFFER", "ALERT_PROVIDER", "ALERT_WEBHOOK_URL", "ALERT_WEBHOOK_TOKEN", "ALERT_BUFFER",
	"POSITION_RESYNC_SECONDS", "SEED_FILE",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_TRACES_SAMPLE_RATIO",
	"SERVICE_VERSION", "TRUST_PROXY_HEADERS",
}

// Load reads the environment and an optional .env file in the working
// directory. Call Validate before using the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("TOKEN_TTL_MINUTES", 720)
	v.SetDefault("SERVICE_MINUTES", 15)
	v.SetDefault("DEFAULT_MAX_PATIENTS", 10)
	v.SetDefault("NEAR_TURN_WINDOW", 3)
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("QUEUE_PAGE_LIMIT", 50)
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("JOIN_RATE_LIMIT_PER_MIN", 10)
	v.SetDefault("JOIN_RATE_LIMIT_BURST", 5)
	v.SetDefault("CLIENT_BUFFER", 16)
	v.SetDefault("ALERT_PROVIDER", "log")
	v.SetDefault("ALERT_BUFFER", 256)
	v.SetDefault("POSITION_RESYNC_SECONDS", 60)
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("OTEL_TRACES_SAMPLE_RATIO", 1.0)
	v.SetDefault("SERVICE_VERSION", "dev")
	v.SetDefault("TRUST_PROXY_HEADERS", false)

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate rejects unusable settings. In development a missing JWT_SECRET is
// replaced with a random one, so tokens do not survive a restart.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DB_DSN is required when STORE_DRIVER is %q", DriverPostgres)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}
	if c.JWTSecret == "" {
		if !c.IsDev() {
			return fmt.Errorf("JWT_SECRET is required outside development")
		}
		secret, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generate JWT secret: %w", err)
		}
		c.JWTSecret = secret
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be within [0, 1], got %g", c.TraceSampleRatio)
	}
	return nil
}

// Location is the zone that defines "today" for appointments.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

func (c *Config) PositionResync() time.Duration {
	if c.PositionResyncSeconds <= 0 {
		return 0
	}
	return time.Duration(c.PositionResyncSeconds) * time.Second
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
