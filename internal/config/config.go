// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPAddr string     `env:"HTTP_ADDR" envDefault:":8080"`
	DBPath   string     `env:"DB_PATH" envDefault:"data/arena.db"`
	RedisURL string     `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`

	// Ledger collaborator.
	LedgerURL   string `env:"LEDGER_URL" envDefault:"http://localhost:9090"`
	LedgerToken string `env:"LEDGER_TOKEN"`

	// Fairness providers as name=url pairs, e.g.
	// FAIRNESS_PROVIDERS=sentinel=https://sentinel.internal,probe=https://probe.internal
	FairnessProviders []string      `env:"FAIRNESS_PROVIDERS" envSeparator:","`
	FairnessToken     string        `env:"FAIRNESS_TOKEN"`
	FairnessTimeout   time.Duration `env:"FAIRNESS_TIMEOUT" envDefault:"5s"`
	FlagThreshold     float64       `env:"FAIRNESS_FLAG_THRESHOLD" envDefault:"0.8"`
	AgreementDelta    float64       `env:"FAIRNESS_AGREEMENT_DELTA" envDefault:"0.15"`
	BaselineWeight    float64       `env:"FAIRNESS_BASELINE_WEIGHT" envDefault:"1"`
	FairnessWindow    time.Duration `env:"FAIRNESS_WINDOW" envDefault:"2m"`

	// Session timing policy.
	Countdown       time.Duration `env:"SESSION_COUNTDOWN" envDefault:"30s"`
	DisconnectGrace time.Duration `env:"DISCONNECT_GRACE" envDefault:"30s"`
	EmptyTimeout    time.Duration `env:"EMPTY_SESSION_TIMEOUT" envDefault:"5m"`
	MaxDuration     time.Duration `env:"SESSION_MAX_DURATION" envDefault:"1h"`

	NotificationRetention time.Duration `env:"NOTIFICATION_RETENTION" envDefault:"24h"`

	// Bcrypt hash of the operator password. Ops endpoints are disabled when
	// empty.
	OpsPasswordHash string `env:"OPS_PASSWORD_HASH"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return &cfg, nil
}

// ProviderEndpoint is one parsed FAIRNESS_PROVIDERS entry.
type ProviderEndpoint struct {
	Name string
	URL  string
}

// ProviderEndpoints parses the name=url provider list.
func (c *Config) ProviderEndpoints() ([]ProviderEndpoint, error) {
	out := make([]ProviderEndpoint, 0, len(c.FairnessProviders))
	for _, entry := range c.FairnessProviders {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, url, ok := strings.Cut(entry, "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid fairness provider entry %q, want name=url", entry)
		}
		out = append(out, ProviderEndpoint{Name: name, URL: url})
	}
	return out, nil
}
