// Package config loads server settings from the environment (optionally
// seeded from a .env file) and builds the process logger.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/ev-sales-engine/core"
)

type Config struct {
	Port   int
	DBPath string

	// AllowedOrigins for CORS (CORS_ORIGINS, comma separated).
	AllowedOrigins []string

	LogLevel  string
	LogFormat string // "json" or "text"

	// DepositRatio of final_amount that moves an order to deposit_paid.
	DepositRatio decimal.Decimal

	Retry core.RetryPolicy

	// RedisAddr enables the Redis locker; empty keeps locks in-process.
	RedisAddr string
	LockTTL   time.Duration

	// AuditInterval is how often the ledger auditor runs; 0 disables it.
	AuditInterval time.Duration
}

func Default() Config {
	return Config{
		Port:           8080,
		DBPath:         "ev-sales.db",
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		LogLevel:       "info",
		LogFormat:      "json",
		DepositRatio:   decimal.RequireFromString("0.1"),
		Retry:          core.DefaultRetryPolicy(),
		LockTTL:        10 * time.Second,
		AuditInterval:  time.Hour,
	}
}

// Load reads files (default ".env") into the environment without
// overriding variables already set, then parses the settings.
// Missing files are ignored.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv parses settings through getenv, falling back to Default.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()
	var err error

	if v := getenv("PORT"); v != "" {
		if cfg.Port, err = strconv.Atoi(v); err != nil {
			return cfg, fmt.Errorf("PORT: %w", err)
		}
	}
	if v := getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("CORS_ORIGINS"); v != "" {
		cfg.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("DEPOSIT_RATIO"); v != "" {
		if cfg.DepositRatio, err = decimal.NewFromString(v); err != nil {
			return cfg, fmt.Errorf("DEPOSIT_RATIO: %w", err)
		}
		if cfg.DepositRatio.IsNegative() || cfg.DepositRatio.GreaterThan(decimal.NewFromInt(1)) {
			return cfg, fmt.Errorf("DEPOSIT_RATIO must be within [0, 1], got %s", v)
		}
	}
	if v := getenv("RETRY_MAX_ATTEMPTS"); v != "" {
		if cfg.Retry.MaxAttempts, err = strconv.Atoi(v); err != nil {
			return cfg, fmt.Errorf("RETRY_MAX_ATTEMPTS: %w", err)
		}
	}
	if cfg.Retry.BaseDelay, err = duration(getenv, "RETRY_BASE_DELAY", cfg.Retry.BaseDelay); err != nil {
		return cfg, err
	}
	if cfg.Retry.MaxDelay, err = duration(getenv, "RETRY_MAX_DELAY", cfg.Retry.MaxDelay); err != nil {
		return cfg, err
	}
	cfg.RedisAddr = getenv("REDIS_ADDR")
	if cfg.LockTTL, err = duration(getenv, "LOCK_TTL", cfg.LockTTL); err != nil {
		return cfg, err
	}
	if cfg.AuditInterval, err = duration(getenv, "AUDIT_INTERVAL", cfg.AuditInterval); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func duration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func NewLogger(cfg Config) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)

	switch cfg.LogFormat {
	case "json", "":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}
	return log, nil
}
