// Package config loads service configuration from a JSON file and
// environment variables. Priority: environment > config file > defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is stripped from environment variable overrides, e.g.
// ACCESS_SERVER_PORT=8085 sets server.port.
const envPrefix = "ACCESS_"

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	NATS      NATSConfig      `koanf:"nats"`
	Directory DirectoryConfig `koanf:"directory"`
}

// ServiceConfig identifies the service in logs and events.
type ServiceConfig struct {
	Name        string `koanf:"name" validate:"required"`
	Environment string `koanf:"environment" validate:"required"`
	Version     string `koanf:"version"`
	LogLevel    string `koanf:"log_level"`
}

// ServerConfig controls the HTTP listener. Timeouts are in seconds.
type ServerConfig struct {
	Port            int `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeoutSec  int `koanf:"read_timeout_sec" validate:"min=1"`
	WriteTimeoutSec int `koanf:"write_timeout_sec" validate:"min=1"`
	IdleTimeoutSec  int `koanf:"idle_timeout_sec" validate:"min=1"`
	ShutdownSec     int `koanf:"shutdown_sec" validate:"min=1"`
	RequestTimeout  int `koanf:"request_timeout_sec" validate:"min=1"`
}

// DatabaseConfig is the Postgres connection configuration.
type DatabaseConfig struct {
	Host     string `koanf:"host" validate:"required"`
	Port     int    `koanf:"port" validate:"min=1,max=65535"`
	User     string `koanf:"user" validate:"required"`
	Password string `koanf:"password"`
	Database string `koanf:"database" validate:"required"`
	SSLMode  string `koanf:"ssl_mode"`
	MaxConns int    `koanf:"max_conns" validate:"min=1"`
	MinConns int    `koanf:"min_conns" validate:"min=0"`
}

// DSN builds the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode, d.MaxConns, d.MinConns,
	)
}

// NATSConfig controls the notification event transport. Leaving URL empty
// disables publishing (decisions still commit; delivery is best-effort).
type NATSConfig struct {
	URL string `koanf:"url"`
}

// DirectoryConfig points at the staff directory service used to resolve
// approvers and requesters.
type DirectoryConfig struct {
	BaseURL    string `koanf:"base_url" validate:"required"`
	TimeoutSec int    `koanf:"timeout_sec" validate:"min=1"`
}

func defaults() map[string]any {
	return map[string]any{
		"service.name":               "be-access-requests",
		"service.environment":        "development",
		"service.version":            "dev",
		"server.port":                8085,
		"server.read_timeout_sec":    15,
		"server.write_timeout_sec":   15,
		"server.idle_timeout_sec":    60,
		"server.shutdown_sec":        10,
		"server.request_timeout_sec": 30,
		"database.host":              "localhost",
		"database.port":              5432,
		"database.user":              "postgres",
		"database.database":          "access_requests",
		"database.ssl_mode":          "disable",
		"database.max_conns":         10,
		"database.min_conns":         2,
		"directory.base_url":         "http://localhost:8081",
		"directory.timeout_sec":      5,
		"service.log_level":          "info",
	}
}

// Load reads configuration from an optional JSON file path and the
// environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults() {
		k.Set(key, value)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), json.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	// Environment overrides, e.g. ACCESS_DATABASE_HOST -> database.host.
	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envTransform maps ACCESS_SECTION_KEY_NAME to section.key_name. Only the
// first underscore becomes a section separator.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}
