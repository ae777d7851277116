package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the task tracking service.
type Config struct {
	BindAddr         string
	MetricsNamespace string
	ShutdownTimeout  time.Duration
	AllowAnyOrigin   bool
	LogLevel         string
	LogEncoding      string

	EngineBaseURL       string
	EngineTimeout       time.Duration
	EngineSubmitRetries int

	PollInterval   time.Duration
	WarnCooldown   time.Duration
	RetentionLimit int

	DatabaseURL string
	RedisAddr   string

	SendGridAPIKey  string
	NotifyEmailFrom string
	NotifyEmailTo   string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "backwatch"),
		AllowAnyOrigin:   false,
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		LogEncoding:      envOrDefault("APP_LOG_ENCODING", "console"),
		// Default matches the enginesim listen address for local runs.
		EngineBaseURL:       envOrDefault("ENGINE_BASE_URL", "http://127.0.0.1:8950"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		RedisAddr:           stringsTrimSpace("REDIS_ADDR"),
		SendGridAPIKey:      stringsTrimSpace("SENDGRID_API_KEY"),
		NotifyEmailFrom:     stringsTrimSpace("NOTIFY_EMAIL_FROM"),
		NotifyEmailTo:       stringsTrimSpace("NOTIFY_EMAIL_TO"),
		ShutdownTimeout:     15 * time.Second,
		EngineTimeout:       10 * time.Second,
		EngineSubmitRetries: 3,
		PollInterval:        1200 * time.Millisecond,
		WarnCooldown:        15 * time.Second,
		RetentionLimit:      32,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EngineTimeout, err = durationFromEnv("ENGINE_TIMEOUT", cfg.EngineTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval, err = durationFromEnv("POLL_INTERVAL", cfg.PollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.WarnCooldown, err = durationFromEnv("WARN_COOLDOWN", cfg.WarnCooldown)
	if err != nil {
		return Config{}, err
	}
	cfg.EngineSubmitRetries, err = intFromEnv("ENGINE_SUBMIT_RETRIES", cfg.EngineSubmitRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.RetentionLimit, err = intFromEnv("RETENTION_LIMIT", cfg.RetentionLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if trimSpace(cfg.EngineBaseURL) == "" {
		return Config{}, fmt.Errorf("ENGINE_BASE_URL must be set")
	}
	if cfg.EngineTimeout < time.Second {
		return Config{}, fmt.Errorf("ENGINE_TIMEOUT must be at least 1s")
	}
	if cfg.EngineSubmitRetries < 0 {
		return Config{}, fmt.Errorf("ENGINE_SUBMIT_RETRIES must be >= 0")
	}
	if cfg.PollInterval < 100*time.Millisecond {
		return Config{}, fmt.Errorf("POLL_INTERVAL must be at least 100ms")
	}
	if cfg.WarnCooldown < time.Second {
		return Config{}, fmt.Errorf("WARN_COOLDOWN must be at least 1s")
	}
	if cfg.RetentionLimit <= 0 {
		return Config{}, fmt.Errorf("RETENTION_LIMIT must be positive")
	}
	if (cfg.NotifyEmailFrom == "") != (cfg.NotifyEmailTo == "") {
		return Config{}, fmt.Errorf("NOTIFY_EMAIL_FROM and NOTIFY_EMAIL_TO must be set together")
	}

	return cfg, nil
}

// EmailEnabled reports whether the SendGrid sink is fully configured.
func (c Config) EmailEnabled() bool {
	return c.SendGridAPIKey != "" && c.NotifyEmailFrom != "" && c.NotifyEmailTo != ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
