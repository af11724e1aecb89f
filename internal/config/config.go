package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName        = "settlement"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultStoreDriver    = DriverMemory
	defaultSQLitePath     = "settlement.db"
	defaultAMQPExchange   = "ledger_events"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultScopeTimeout   = 5 * time.Second
	defaultMutationLimit  = 120
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	StoreDriver    string
	DatabaseURL    string
	SQLitePath     string
	RedisURL       string
	AMQPURL        string
	AMQPExchange   string
	APIKeyHash     string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	ScopeTimeout   time.Duration
	MutationLimit  int
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:      getEnv("APP_NAME", defaultAppName),
		AppEnv:       strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:         getEnv("PORT", defaultPort),
		LogLevel:     strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		StoreDriver:  strings.ToLower(getEnv("STORE_DRIVER", "")),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		SQLitePath:   getEnv("SQLITE_PATH", defaultSQLitePath),
		RedisURL:     os.Getenv("REDIS_URL"),
		AMQPURL:      os.Getenv("AMQP_URL"),
		AMQPExchange: getEnv("AMQP_EXCHANGE", defaultAMQPExchange),
		APIKeyHash:   os.Getenv("API_KEY_HASH"),
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.ScopeTimeout, err = durationEnv("LEDGER_SCOPE_TIMEOUT", defaultScopeTimeout); err != nil {
		return Config{}, err
	}
	cfg.MutationLimit = defaultMutationLimit
	if v := os.Getenv("MUTATION_RATE_LIMIT"); v != "" {
		if cfg.MutationLimit, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("invalid MUTATION_RATE_LIMIT: %w", err)
		}
	}

	if cfg.StoreDriver == "" {
		cfg.StoreDriver = defaultStoreDriver
		if cfg.DatabaseURL != "" {
			cfg.StoreDriver = DriverPostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL must be set when STORE_DRIVER=postgres"))
		}
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("SQLITE_PATH must be set when STORE_DRIVER=sqlite"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if !c.IsDev() {
		if c.StoreDriver == DriverMemory {
			errs = append(errs, fmt.Errorf("STORE_DRIVER=memory is not allowed when APP_ENV=%s", c.AppEnv))
		}
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", c.AppEnv))
		}
		if c.APIKeyHash == "" {
			errs = append(errs, fmt.Errorf("API_KEY_HASH must be set when APP_ENV=%s", c.AppEnv))
		}
	}
	if c.ScopeTimeout <= 0 {
		errs = append(errs, errors.New("LEDGER_SCOPE_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// IsDev reports whether the service runs in a local development environment.
func (c Config) IsDev() bool {
	switch c.AppEnv {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// durationEnv accepts either whole seconds ("30") or a Go duration ("30s").
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
