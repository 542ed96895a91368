package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	StoreDriver    string   `mapstructure:"STORE_DRIVER"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	Timezone       string   `mapstructure:"TIMEZONE"`
	CatalogFile    string   `mapstructure:"CATALOG_FILE"`

	RateLimitRequests      int `mapstructure:"RATE_LIMIT_REQUESTS"`
	RateLimitWindowSeconds int `mapstructure:"RATE_LIMIT_WINDOW_SECONDS"`

	SupervisorEnabled     bool `mapstructure:"SUPERVISOR_ENABLED"`
	SupervisorConcurrency int  `mapstructure:"SUPERVISOR_CONCURRENCY"`

	NotifyWebhookURL string `mapstructure:"NOTIFY_WEBHOOK_URL"`

	// Queue defaults, used until an operator saves settings.
	QueueIntervalSeconds  int `mapstructure:"QUEUE_INTERVAL_SECONDS"`
	PatientMaxWaitSeconds int `mapstructure:"PATIENT_MAX_WAIT_SECONDS"`
	NotifyNearAheadCount  int `mapstructure:"NOTIFY_NEAR_AHEAD_COUNT"`
	PinPrimarySize        int `mapstructure:"PIN_PRIMARY_SIZE"`
	PinReserveSize        int `mapstructure:"PIN_RESERVE_SIZE"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"TIMEZONE", "CATALOG_FILE", "RATE_LIMIT_REQUESTS", "RATE_LIMIT_WINDOW_SECONDS",
	"SUPERVISOR_ENABLED", "SUPERVISOR_CONCURRENCY", "NOTIFY_WEBHOOK_URL",
	"QUEUE_INTERVAL_SECONDS", "PATIENT_MAX_WAIT_SECONDS", "NOTIFY_NEAR_AHEAD_COUNT",
	"PIN_PRIMARY_SIZE", "PIN_RESERVE_SIZE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("AUTH_ISSUER", "clinic-queue")
	v.SetDefault("STORE_DRIVER", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("TIMEZONE", "Asia/Qatar")
	v.SetDefault("RATE_LIMIT_REQUESTS", 60)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 60)
	v.SetDefault("SUPERVISOR_ENABLED", true)
	v.SetDefault("SUPERVISOR_CONCURRENCY", 4)
	v.SetDefault("QUEUE_INTERVAL_SECONDS", 120)
	v.SetDefault("PATIENT_MAX_WAIT_SECONDS", 240)
	v.SetDefault("NOTIFY_NEAR_AHEAD_COUNT", 3)
	v.SetDefault("PIN_PRIMARY_SIZE", 20)
	v.SetDefault("PIN_RESERVE_SIZE", 10)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if cfg.IsDev() && cfg.ResolvedAuthMode() == AuthModeDevelopment {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
		log.Println("WARNING: Set ENV=production and AUTH_SIGNING_KEY before deploying.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development means "development" (no
// auth, all requests get admin) and anything else means "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// Location resolves TIMEZONE. Day keys for counters and pins are computed
// in this zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != AuthModeDevelopment && mode != AuthModeJWT {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == AuthModeJWT && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
	}
	if mode == AuthModeJWT && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if c.IsProduction() && mode == AuthModeDevelopment {
		return fmt.Errorf("AUTH_MODE=development is not allowed in production")
	}

	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMemory, StorePostgres, c.StoreDriver)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if c.RateLimitRequests < 1 || c.RateLimitWindowSeconds < 1 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW_SECONDS must be positive")
	}
	if c.SupervisorConcurrency < 1 {
		return fmt.Errorf("SUPERVISOR_CONCURRENCY must be positive, got %d", c.SupervisorConcurrency)
	}
	if c.QueueIntervalSeconds < 1 || c.PatientMaxWaitSeconds < 1 {
		return fmt.Errorf("QUEUE_INTERVAL_SECONDS and PATIENT_MAX_WAIT_SECONDS must be positive")
	}
	if c.NotifyNearAheadCount < 0 {
		return fmt.Errorf("NOTIFY_NEAR_AHEAD_COUNT must not be negative")
	}
	if c.PinPrimarySize < 1 || c.PinPrimarySize+c.PinReserveSize > 99 || c.PinReserveSize < 0 {
		return fmt.Errorf("PIN_PRIMARY_SIZE must be positive and PIN_PRIMARY_SIZE+PIN_RESERVE_SIZE at most 99")
	}

	return nil
}
