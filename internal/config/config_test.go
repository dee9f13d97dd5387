package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("DB_DSN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.ServiceMinutes != 15 {
		t.Errorf("expected 15 service minutes, got %d", cfg.ServiceMinutes)
	}
	if cfg.NearTurnWindow != 3 {
		t.Errorf("expected near-turn window 3, got %d", cfg.NearTurnWindow)
	}
	if cfg.DefaultMaxPatients != 10 {
		t.Errorf("expected default max patients 10, got %d", cfg.DefaultMaxPatients)
	}
	if cfg.PositionResync() != time.Minute {
		t.Errorf("expected 1m resync, got %v", cfg.PositionResync())
	}
	if cfg.TraceSampleRatio != 1 || cfg.ServiceVersion != "dev" || cfg.TrustProxyHeaders {
		t.Errorf("unexpected telemetry/proxy defaults: %g %q %v", cfg.TraceSampleRatio, cfg.ServiceVersion, cfg.TrustProxyHeaders)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("SERVICE_MINUTES", "20")
	t.Setenv("DB_MAX_CONNS", "7")
	t.Setenv("TIMEZONE", "Asia/Jakarta")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StoreDriver != DriverMemory {
		t.Errorf("expected memory driver, got %s", cfg.StoreDriver)
	}
	if cfg.ServiceMinutes != 20 {
		t.Errorf("expected 20 service minutes, got %d", cfg.ServiceMinutes)
	}
	if cfg.DBMaxConns != 7 {
		t.Errorf("expected 7 max conns, got %d", cfg.DBMaxConns)
	}
	if cfg.Location().String() != "Asia/Jakarta" {
		t.Errorf("expected Asia/Jakarta, got %s", cfg.Location())
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Env:         "production",
			StoreDriver: DriverPostgres,
			DatabaseURL: "postgres://localhost/queue",
			JWTSecret:   "secret",
			DBMaxConns:  20,
			DBMinConns:  2,
			Timezone:    "UTC",
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"postgres without dsn", func(c *Config) { c.DatabaseURL = "" }, true},
		{"memory without dsn", func(c *Config) { c.StoreDriver = DriverMemory; c.DatabaseURL = "" }, false},
		{"unknown driver", func(c *Config) { c.StoreDriver = "sqlite" }, true},
		{"production without secret", func(c *Config) { c.JWTSecret = "" }, true},
		{"development without secret", func(c *Config) { c.Env = "development"; c.JWTSecret = "" }, false},
		{"min above max", func(c *Config) { c.DBMinConns = 30 }, true},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, true},
		{"sample ratio above one", func(c *Config) { c.TraceSampleRatio = 1.5 }, true},
		{"sample ratio negative", func(c *Config) { c.TraceSampleRatio = -0.1 }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("expected error=%v, got %v", tc.wantErr, err)
			}
			if err == nil && cfg.JWTSecret == "" {
				t.Fatalf("expected a JWT secret after validation")
			}
		})
	}
}
