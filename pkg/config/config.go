package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration, loaded from the
// environment (optionally seeded from a .env file).
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Payment       PaymentConfig
	Scheduler     SchedulerConfig
	Observability ObservabilityConfig
}

type ServerConfig struct {
	Port            string
	ShutdownTimeout int // seconds
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN builds the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type PaymentConfig struct {
	GatewayURL string
	KeyID      string
	KeySecret  string
}

type SchedulerConfig struct {
	// SweepSchedule is a cron expression for the subscription expiry
	// sweep. Cadence is deployment policy, not a correctness requirement.
	SweepSchedule string
}

type ObservabilityConfig struct {
	MetricsEnabled bool
}

// Load reads configuration from the environment. A missing .env file is
// fine; explicit environment variables always win.
func Load(logger *slog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, using environment only")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			ShutdownTimeout: getEnvInt("SERVER_SHUTDOWN_TIMEOUT", 15),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "taskforge"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Payment: PaymentConfig{
			GatewayURL: getEnv("PAYMENT_GATEWAY_URL", ""),
			KeyID:      getEnv("PAYMENT_KEY_ID", ""),
			KeySecret:  getEnv("PAYMENT_KEY_SECRET", ""),
		},
		Scheduler: SchedulerConfig{
			SweepSchedule: getEnv("SUBSCRIPTION_SWEEP_SCHEDULE", "@hourly"),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		},
	}

	if cfg.Database.Password == "" {
		logger.Warn("DB_PASSWORD is empty")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
