// Package config loads server settings from the environment.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"courtbook/internal/domain/booking"
)

// Prefix is prepended to every variable name, e.g. COURTBOOK_ADDR.
const Prefix = "COURTBOOK"

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds every setting the server reads at startup.
type Config struct {
	Env  string `envconfig:"ENV" default:"development"`
	Addr string `envconfig:"ADDR" default:":8080"`

	DBDriver    string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBPath      string `envconfig:"DB" default:"courtbook.db"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	OpenTime  string   `envconfig:"OPEN_TIME" default:"06:00"`
	CloseTime string   `envconfig:"CLOSE_TIME" default:"23:00"`
	Resources []string `envconfig:"RESOURCES" default:"court-1,court-2,court-3,court-4"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	AMQPURL       string `envconfig:"AMQP_URL"`
	AMQPExchange  string `envconfig:"AMQP_EXCHANGE" default:"courtbook.events"`
	ResendAPIKey  string `envconfig:"RESEND_API_KEY"`

	JWTSecret string  `envconfig:"JWT_SECRET"`
	CSRFKey   string  `envconfig:"CSRF_KEY"`
	RateLimit float64 `envconfig:"RATE_LIMIT" default:"10"`

	SlowQueryMS    int           `envconfig:"SLOW_QUERY_MS" default:"100"`
	OutboxInterval time.Duration `envconfig:"OUTBOX_INTERVAL" default:"1m"`
	MoveTimeout    time.Duration `envconfig:"MOVE_TIMEOUT" default:"10s"`

	AdminEmail    string `envconfig:"ADMIN_EMAIL" default:"admin@courtbook.local"`
	AdminPassword string `envconfig:"ADMIN_PASSWORD"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// Load reads an optional .env file and then the environment.
// Variables already set in the environment win over the file.
// POST: the returned Config has passed Validate
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field rules envconfig cannot express.
func (c Config) Validate() error {
	if _, err := c.Hours(); err != nil {
		return err
	}
	switch c.DBDriver {
	case DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%s_DATABASE_URL is required for the postgres driver", Prefix)
		}
	default:
		return fmt.Errorf("%s_DB_DRIVER %q is not one of sqlite, postgres", Prefix, c.DBDriver)
	}
	if len(c.Resources) == 0 {
		return fmt.Errorf("%s_RESOURCES must name at least one resource", Prefix)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("%s_RATE_LIMIT must be positive", Prefix)
	}
	if c.CSRFKey != "" {
		if key, err := hex.DecodeString(c.CSRFKey); err != nil || len(key) != 32 {
			return fmt.Errorf("%s_CSRF_KEY must be 64 hex characters (32 bytes)", Prefix)
		}
	}
	if c.IsProduction() {
		if c.CSRFKey == "" {
			return fmt.Errorf("%s_CSRF_KEY is required in production", Prefix)
		}
		if c.JWTSecret == "" {
			return fmt.Errorf("%s_JWT_SECRET is required in production", Prefix)
		}
	}
	return nil
}

// Hours parses the operating window.
func (c Config) Hours() (booking.OperatingHours, error) {
	open, err := booking.ParseClock(c.OpenTime)
	if err != nil {
		return booking.OperatingHours{}, fmt.Errorf("%s_OPEN_TIME: %w", Prefix, err)
	}
	closing, err := booking.ParseClock(c.CloseTime)
	if err != nil {
		return booking.OperatingHours{}, fmt.Errorf("%s_CLOSE_TIME: %w", Prefix, err)
	}
	h := booking.OperatingHours{Open: open, Close: closing}
	if err := h.Validate(); err != nil {
		return booking.OperatingHours{}, err
	}
	return h, nil
}

// IsProduction reports whether the server runs with production safeguards.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// CSRFKeyBytes returns the decoded CSRF key, or nil when none is configured.
func (c Config) CSRFKeyBytes() []byte {
	if c.CSRFKey == "" {
		return nil
	}
	key, _ := hex.DecodeString(c.CSRFKey)
	return key
}

// SlowQueryThreshold returns the slow-query log threshold.
func (c Config) SlowQueryThreshold() time.Duration {
	return time.Duration(c.SlowQueryMS) * time.Millisecond
}

// Logger builds the process logger. LOG_FORMAT=json selects JSON output.
func (c Config) Logger() *slog.Logger {
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}
