package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	Store                 string        `mapstructure:"STORE"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	QueryTimeout          time.Duration `mapstructure:"QUERY_TIMEOUT"`
	LockTimeout           time.Duration `mapstructure:"LOCK_TIMEOUT"`
	DefaultServiceMinutes int           `mapstructure:"DEFAULT_SERVICE_MINUTES"`
	VisitTimezone         string        `mapstructure:"VISIT_TIMEZONE"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	InstanceID            string        `mapstructure:"INSTANCE_ID"`
	FanoutBuffer          int           `mapstructure:"FANOUT_BUFFER"`
	FanoutWorkers         int           `mapstructure:"FANOUT_WORKERS"`
	AuthIssuer            string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience          string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey        string        `mapstructure:"AUTH_SIGNING_KEY"`
	MetricsEnabled        bool          `mapstructure:"METRICS_ENABLED"`
	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"QUERY_TIMEOUT", "LOCK_TIMEOUT", "DEFAULT_SERVICE_MINUTES", "VISIT_TIMEZONE",
	"REDIS_URL", "INSTANCE_ID", "FANOUT_BUFFER", "FANOUT_WORKERS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "METRICS_ENABLED",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

// Load reads .env when present, then the environment. It does not validate;
// call Validate before using the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("QUERY_TIMEOUT", "5s")
	v.SetDefault("LOCK_TIMEOUT", "2s")
	v.SetDefault("DEFAULT_SERVICE_MINUTES", 10)
	v.SetDefault("VISIT_TIMEZONE", "UTC")
	v.SetDefault("FANOUT_BUFFER", 256)
	v.SetDefault("FANOUT_WORKERS", 2)
	v.SetDefault("AUTH_ISSUER", "patientflow")
	v.SetDefault("AUTH_AUDIENCE", "patientflow-api")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	// Bind explicitly so Unmarshal sees env-only keys.
	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location resolves VISIT_TIMEZONE, which defines the visit day.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.VisitTimezone)
	if err != nil {
		return nil, fmt.Errorf("VISIT_TIMEZONE %q: %w", c.VisitTimezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("QUERY_TIMEOUT must be positive, got %s", c.QueryTimeout)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive, got %s", c.LockTimeout)
	}
	if c.DefaultServiceMinutes <= 0 {
		return fmt.Errorf("DEFAULT_SERVICE_MINUTES must be positive, got %d", c.DefaultServiceMinutes)
	}
	if c.FanoutBuffer <= 0 || c.FanoutWorkers <= 0 {
		return fmt.Errorf("FANOUT_BUFFER and FANOUT_WORKERS must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if !c.IsDev() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY of at least 32 bytes is required outside development (ENV=%q)", c.Env)
	}
	return nil
}
