// Package config loads client settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// Endpoints. Both are required and have no defaults.
	APIURL string `env:"EMPIRE_API_URL,required,notEmpty"`
	WSURL  string `env:"EMPIRE_WS_URL,required,notEmpty"`

	Profile       string `env:"EMPIRE_PROFILE" envDefault:"default"`
	AccessToken   string `env:"EMPIRE_ACCESS_TOKEN"`
	RefreshToken  string `env:"EMPIRE_REFRESH_TOKEN"`
	CredentialsDB string `env:"EMPIRE_CREDENTIALS_DB" envDefault:"data/credentials.sqlite"`
	JournalDir    string `env:"EMPIRE_JOURNAL_DIR"`
	CatalogPath   string `env:"EMPIRE_CATALOG_PATH"`

	MutationTimeout time.Duration `env:"EMPIRE_MUTATION_TIMEOUT" envDefault:"15s"`
	MutationRetries int           `env:"EMPIRE_MUTATION_RETRIES" envDefault:"2"`
	Tick            time.Duration `env:"EMPIRE_TICK" envDefault:"1s"`

	BackoffInitial  time.Duration `env:"EMPIRE_BACKOFF_INITIAL" envDefault:"1s"`
	BackoffMax      time.Duration `env:"EMPIRE_BACKOFF_MAX" envDefault:"30s"`
	BackoffJitter   float64       `env:"EMPIRE_BACKOFF_JITTER" envDefault:"0.2"`
	DisconnectAfter int           `env:"EMPIRE_DISCONNECT_AFTER" envDefault:"5"`
	PingInterval    time.Duration `env:"EMPIRE_PING_INTERVAL" envDefault:"54s"`
	PongWait        time.Duration `env:"EMPIRE_PONG_WAIT" envDefault:"60s"`

	CommandRate  float64 `env:"EMPIRE_COMMAND_RATE" envDefault:"5"`
	CommandBurst int     `env:"EMPIRE_COMMAND_BURST" envDefault:"10"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the environment.
func Load() (Config, error) {
	var c Config
	if err := ParseEnv(&c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if err := checkURL("EMPIRE_API_URL", c.APIURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("EMPIRE_WS_URL", c.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if c.MutationTimeout <= 0 {
		return fmt.Errorf("EMPIRE_MUTATION_TIMEOUT must be > 0")
	}
	if c.MutationRetries < 0 {
		return fmt.Errorf("EMPIRE_MUTATION_RETRIES must be >= 0")
	}
	if c.Tick <= 0 {
		return fmt.Errorf("EMPIRE_TICK must be > 0")
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff: need 0 < initial <= max, got %s/%s", c.BackoffInitial, c.BackoffMax)
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		return fmt.Errorf("EMPIRE_BACKOFF_JITTER must be in [0,1]")
	}
	if c.PingInterval <= 0 || c.PongWait <= c.PingInterval {
		return fmt.Errorf("heartbeat: need 0 < ping interval < pong wait, got %s/%s", c.PingInterval, c.PongWait)
	}
	if c.CommandRate < 0 || c.CommandBurst < 0 {
		return fmt.Errorf("command rate and burst must be >= 0")
	}
	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s: want %v url, got %q", name, schemes, raw)
}
