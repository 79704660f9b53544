// Package config loads process settings from the environment, optionally seeded from a
// .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

// Kiwoom holds the venue endpoints and app credentials.
type Kiwoom struct {
	WSURL        string        `envconfig:"KIWOOM_WS_URL" default:"wss://api.kiwoom.com:10000/api/dostk/websocket"`
	APIURL       string        `envconfig:"KIWOOM_API_URL" default:"https://api.kiwoom.com"`
	AppKey       string        `envconfig:"KIWOOM_APP_KEY" required:"true"`
	SecretKey    string        `envconfig:"KIWOOM_SECRET_KEY" required:"true"`
	LoginTimeout time.Duration `envconfig:"LOGIN_TIMEOUT" default:"5s"`
	// TokenRefreshMargin is how long before expiry a token is replaced.
	TokenRefreshMargin time.Duration `envconfig:"TOKEN_REFRESH_MARGIN" default:"5m"`
	// TLSInsecureSkip disables venue certificate checks; for test venues only.
	TLSInsecureSkip bool `envconfig:"KIWOOM_TLS_INSECURE_SKIP" default:"false"`
}

// Config is the full process configuration.
type Config struct {
	Kiwoom Kiwoom

	// RedisAddr enables the shared token store when set.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisTokenKey string `envconfig:"REDIS_TOKEN_KEY" default:"kiwoom:token"`

	CandleAPIURL string `envconfig:"CANDLE_API_URL" default:"http://localhost:8081"`

	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr string `envconfig:"GRPC_ADDR" default:":50051"`

	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	Timezone          string        `envconfig:"TIMEZONE" default:"Asia/Seoul"`
}

// Load reads .env if present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Kiwoom.AppKey == "" || c.Kiwoom.SecretKey == "" {
		return errors.New("KIWOOM_APP_KEY and KIWOOM_SECRET_KEY are required")
	}
	if c.Kiwoom.LoginTimeout <= 0 {
		return fmt.Errorf("LOGIN_TIMEOUT must be positive, got %s", c.Kiwoom.LoginTimeout)
	}
	if c.Kiwoom.TokenRefreshMargin < 0 {
		return fmt.Errorf("TOKEN_REFRESH_MARGIN cannot be negative, got %s", c.Kiwoom.TokenRefreshMargin)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}
