// Package config loads process settings from the environment. Every variable
// is prefixed with TASKBUS_, and a .env file in the working directory is read
// first when present.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/glimte/taskbus/internal/reliability"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Prefix is prepended to every environment variable name
const Prefix = "TASKBUS"

var validate = validator.New()

// Config holds the broker connection and worker settings. Field names map to
// variables by splitting words, so SetupDelay is read from TASKBUS_SETUP_DELAY.
type Config struct {
	Host     string `split_words:"true" validate:"required"`
	Port     int    `split_words:"true" default:"5672" validate:"min=1,max=65535"`
	User     string `split_words:"true" validate:"required"`
	Password string `split_words:"true" validate:"required"`
	Vhost    string `split_words:"true" default:"/"`

	// SetupAttempts and SetupDelay shape the retry guarding broker setup
	SetupAttempts int           `split_words:"true" default:"10" validate:"min=1"`
	SetupDelay    time.Duration `split_words:"true" default:"5s"`

	// ServiceName signs the notifications published by workers
	ServiceName string `split_words:"true" default:"taskbus"`
	LogLevel    string `split_words:"true" default:"info" validate:"oneof=debug info warn error"`

	SearchIndexPath string        `split_words:"true" default:"data/search.bleve"`
	AuditPath       string        `split_words:"true" default:"data/audit"`
	UnroutedDelay   time.Duration `split_words:"true" default:"10s"`
}

// Load reads the configuration from the environment. With no files given, a
// .env file is loaded if one exists; named files must exist. Variables already
// set in the environment win over file values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(files...); err != nil {
		return Config{}, fmt.Errorf("failed to load env files: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required and bounded fields
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// URL returns the AMQP URL of the broker
func (c Config) URL() string {
	vhost := c.Vhost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

// RetryPolicy returns the policy guarding broker setup
func (c Config) RetryPolicy() reliability.FixedDelay {
	return reliability.NewFixedDelay(c.SetupDelay, c.SetupAttempts)
}

// Logger returns a text logger at the configured level
func (c Config) Logger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
