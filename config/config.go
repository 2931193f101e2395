/*
Package config loads server configuration and builds the logger.

SOURCES (highest precedence first):
  1. Command-line flags
  2. Environment variables
  3. A .env file in the working directory, if present
  4. Built-in defaults

FLAGS / ENVIRONMENT:
  -port           PORT                         HTTP port (8080)
  -db-driver      DB_DRIVER                    sqlite3 or pgx (sqlite3)
  -db             DATABASE_URL                 SQLite path or PostgreSQL DSN (settlement.db)
  -redis-addr     REDIS_ADDR                   Redis address; empty uses the in-process locker
  -log-level      LOG_LEVEL                    logrus level (info)
  -policy         POLICY_FILE                  JSON policy document; empty uses defaults
  -otel-endpoint  OTEL_EXPORTER_OTLP_ENDPOINT  OTLP/HTTP collector; empty disables export
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port         int
	DBDriver     string
	DatabaseURL  string
	RedisAddr    string
	LogLevel     string
	PolicyFile   string
	OTelEndpoint string
}

// Load reads .env (if any), then the environment, then args.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	port, err := strconv.Atoi(getEnv("PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	cfg := &Config{}
	fs := flag.NewFlagSet("settlement-server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", port, "HTTP server port")
	fs.StringVar(&cfg.DBDriver, "db-driver", getEnv("DB_DRIVER", "sqlite3"), "database driver (sqlite3, pgx)")
	fs.StringVar(&cfg.DatabaseURL, "db", getEnv("DATABASE_URL", "settlement.db"), "SQLite path or PostgreSQL DSN")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", ""), "Redis address for distributed locks")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level")
	fs.StringVar(&cfg.PolicyFile, "policy", getEnv("POLICY_FILE", ""), "settlement policy JSON file")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""), "OTLP/HTTP trace endpoint")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	switch cfg.DBDriver {
	case "sqlite3", "pgx":
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
