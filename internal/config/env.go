package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const envNamespace = "SPRINTBOARD"

// Env holds process settings that do not belong in the workspace file.
type Env struct {
	JWTSecret   string `envconfig:"JWT_SECRET"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"text"`
	LogColor    bool   `envconfig:"LOG_COLOR" default:"true"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
}

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(envNamespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *Env) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(e.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Apply lets the environment override file settings.
func (e *Env) Apply(cfg *Config) {
	if e == nil || cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(e.DatabaseURL); dsn != "" {
		cfg.Store.Driver = DriverPostgres
		cfg.Store.DSN = dsn
	}
}
