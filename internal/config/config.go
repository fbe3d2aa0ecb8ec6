package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string
	AllowedOrigin string
	AppEnv        string
	LogLevel      string
	LogFormat     string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret string
	CronSecret string

	ReadCacheTTLSeconds       int
	DueSoonDays               int
	IdempotencyStaleMinutes   int
	IdempotencyRetentionHours int
	IdempotencySweepSeconds   int
	FXTolerancePercent        decimal.Decimal
}

var defaults = map[string]any{
	"PORT":                        "8080",
	"ALLOWED_ORIGIN":              "http://127.0.0.1:3000",
	"APP_ENV":                     "development",
	"LOG_LEVEL":                   "info",
	"REDIS_DB":                    0,
	"READ_CACHE_TTL_SECONDS":      30,
	"DUE_SOON_DAYS":               7,
	"IDEMPOTENCY_STALE_MINUTES":   5,
	"IDEMPOTENCY_RETENTION_HOURS": 72,
	"IDEMPOTENCY_SWEEP_SECONDS":   60,
	"FX_TOLERANCE_PERCENT":        "0",
}

// Load reads environment variables, then an optional config.toml in the
// working directory, then built-in defaults. Secrets have no defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./backend")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	tolerance, err := decimal.NewFromString(strings.TrimSpace(v.GetString("FX_TOLERANCE_PERCENT")))
	if err != nil || tolerance.IsNegative() {
		return Config{}, fmt.Errorf("FX_TOLERANCE_PERCENT must be a non-negative number")
	}

	cfg := Config{
		Port:                      v.GetString("PORT"),
		AllowedOrigin:             v.GetString("ALLOWED_ORIGIN"),
		AppEnv:                    strings.ToLower(v.GetString("APP_ENV")),
		LogLevel:                  v.GetString("LOG_LEVEL"),
		LogFormat:                 v.GetString("LOG_FORMAT"),
		DatabaseURL:               v.GetString("DATABASE_URL"),
		RedisAddr:                 v.GetString("REDIS_ADDR"),
		RedisPassword:             v.GetString("REDIS_PASSWORD"),
		RedisDB:                   v.GetInt("REDIS_DB"),
		AuthSecret:                strings.TrimSpace(v.GetString("AUTH_SECRET")),
		CronSecret:                strings.TrimSpace(v.GetString("CRON_SECRET")),
		ReadCacheTTLSeconds:       atLeast(v.GetInt("READ_CACHE_TTL_SECONDS"), 1, 30),
		DueSoonDays:               atLeast(v.GetInt("DUE_SOON_DAYS"), 0, 7),
		IdempotencyStaleMinutes:   atLeast(v.GetInt("IDEMPOTENCY_STALE_MINUTES"), 1, 5),
		IdempotencyRetentionHours: atLeast(v.GetInt("IDEMPOTENCY_RETENTION_HOURS"), 1, 72),
		IdempotencySweepSeconds:   atLeast(v.GetInt("IDEMPOTENCY_SWEEP_SECONDS"), 1, 60),
		FXTolerancePercent:        tolerance,
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c Config) ReadCacheTTL() time.Duration {
	return time.Duration(c.ReadCacheTTLSeconds) * time.Second
}

func (c Config) IdempotencyStaleAfter() time.Duration {
	return time.Duration(c.IdempotencyStaleMinutes) * time.Minute
}

func (c Config) IdempotencyRetention() time.Duration {
	return time.Duration(c.IdempotencyRetentionHours) * time.Hour
}

func (c Config) IdempotencySweepInterval() time.Duration {
	return time.Duration(c.IdempotencySweepSeconds) * time.Second
}

func atLeast(val int, min int, fallback int) int {
	if val < min {
		return fallback
	}
	return val
}
