// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends selectable with GAMBIT_STORE.
const (
	StoreFile   = "file"
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

type Config struct {
	Port      int    `env:"GAMBIT_PORT" envDefault:"8080"`
	AuthToken string `env:"GAMBIT_AUTH_TOKEN"`
	DataDir   string `env:"GAMBIT_DATA_DIR" envDefault:".gambit"`
	DevMode   bool   `env:"GAMBIT_DEV_MODE"`
	PublicURL string `env:"GAMBIT_PUBLIC_URL"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile   string `env:"LOG_FILE"`
	LogFormat string `env:"LOG_FORMAT"`

	Store        string        `env:"GAMBIT_STORE" envDefault:"file"`
	SQLitePath   string        `env:"GAMBIT_SQLITE_PATH"`
	RedisAddr    string        `env:"GAMBIT_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPass    string        `env:"GAMBIT_REDIS_PASSWORD"`
	RedisDB      int           `env:"GAMBIT_REDIS_DB"`
	PollInterval time.Duration `env:"GAMBIT_POLL_INTERVAL" envDefault:"250ms"`

	SuggestURL     string        `env:"GAMBIT_SUGGEST_URL"`
	SuggestTimeout time.Duration `env:"GAMBIT_SUGGEST_TIMEOUT" envDefault:"10s"`

	AdvisoryURL     string        `env:"GAMBIT_ADVISORY_URL"`
	AdvisoryAPIKey  string        `env:"GAMBIT_ADVISORY_API_KEY"`
	AdvisoryModel   string        `env:"GAMBIT_ADVISORY_MODEL"`
	AdvisoryTimeout time.Duration `env:"GAMBIT_ADVISORY_TIMEOUT" envDefault:"15s"`

	// AbandonAfter enables the idle reaper when positive.
	AbandonAfter time.Duration `env:"GAMBIT_ABANDON_AFTER"`
	MaxRetries   int           `env:"GAMBIT_MAX_RETRIES" envDefault:"3"`

	OTelEndpoint string `env:"GAMBIT_OTEL_ENDPOINT"`

	MCPPlayerID   string `env:"GAMBIT_MCP_PLAYER_ID"`
	MCPPlayerName string `env:"GAMBIT_MCP_PLAYER_NAME"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates Config.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store {
	case StoreFile, StoreMemory, StoreSQLite, StoreRedis:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SuggestTimeout < 0 || c.AdvisoryTimeout < 0 || c.AbandonAfter < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

// SQLiteFile returns the configured database path, defaulting into DataDir.
func (c Config) SQLiteFile() string {
	if c.SQLitePath != "" {
		return c.SQLitePath
	}
	return filepath.Join(c.DataDir, "gambit.db")
}
